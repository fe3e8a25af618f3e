package telegram

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	e "nuclight.org/tg-files-gateway/pkg/entities"
)

// ExtractFile picks the attachment of a message: document first, then video,
// audio and finally the largest photo. It returns false when the message
// carries none of them or the chosen attachment has no file identifier.
func ExtractFile(msg *tgbotapi.Message) (e.FileDescriptor, bool) {
	if msg == nil {
		return e.FileDescriptor{}, false
	}

	desc := e.FileDescriptor{
		MessageID: msg.MessageID,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Caption:   msg.Caption,
	}

	switch {
	case msg.Document != nil:
		desc.Kind = e.MediaKindDocument
		desc.FileID = msg.Document.FileID
		desc.Name = msg.Document.FileName
		desc.Size = int64(msg.Document.FileSize)
		desc.MimeType = msg.Document.MimeType
	case msg.Video != nil:
		desc.Kind = e.MediaKindVideo
		desc.FileID = msg.Video.FileID
		desc.Name = msg.Video.FileName
		desc.Size = int64(msg.Video.FileSize)
		desc.MimeType = msg.Video.MimeType
	case msg.Audio != nil:
		desc.Kind = e.MediaKindAudio
		desc.FileID = msg.Audio.FileID
		desc.Name = msg.Audio.FileName
		desc.Size = int64(msg.Audio.FileSize)
		desc.MimeType = msg.Audio.MimeType
	case len(msg.Photo) > 0:
		// sizes are sorted ascending, the last one is the original
		photo := msg.Photo[len(msg.Photo)-1]
		desc.Kind = e.MediaKindImage
		desc.FileID = photo.FileID
		desc.Size = int64(photo.FileSize)
	default:
		return e.FileDescriptor{}, false
	}

	if desc.FileID == "" {
		return e.FileDescriptor{}, false
	}

	if desc.Name == "" {
		desc.Name = e.DefaultName(desc.Kind, desc.MessageID, desc.MimeType)
	}

	return desc, true
}
