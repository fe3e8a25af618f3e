package entities

import (
	"strconv"
	"time"
)

type MediaKind string

const (
	// MediaKindDocument is a generic file attachment
	MediaKindDocument MediaKind = "document"

	// MediaKindVideo is a video attachment
	MediaKindVideo MediaKind = "video"

	// MediaKindAudio is an audio attachment
	MediaKindAudio MediaKind = "audio"

	// MediaKindImage is a photo, always the largest size variant
	MediaKindImage MediaKind = "image"
)

// FileDescriptor is a media attachment extracted from a single channel message.
type FileDescriptor struct {
	MessageID int
	Date      time.Time
	Caption   string
	Kind      MediaKind
	Name      string
	Size      int64
	MimeType  string
	FileID    string
}

// ResolvedFile is a FileDescriptor whose upstream path has been looked up.
type ResolvedFile struct {
	FileDescriptor

	FilePath    string
	DownloadURL string
}

// DefaultName builds a file name for attachments that come without one,
// e.g. "video_12.mp4" or "image_7".
func DefaultName(kind MediaKind, messageID int, mimeType string) string {
	return string(kind) + "_" + strconv.Itoa(messageID) + ExtensionByMimeType(mimeType)
}

func ExtensionByMimeType(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	case "application/zip":
		return ".zip"
	default:
		return ""
	}
}
