package httpapi

import (
	_ "embed"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"nuclight.org/tg-files-gateway/app/files"
	e "nuclight.org/tg-files-gateway/pkg/entities"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

type statusResponse struct {
	Status       string       `json:"status"`
	Service      string       `json:"service"`
	Frontend     string       `json:"frontend,omitempty"`
	Timestamp    string       `json:"timestamp"`
	Restrictions restrictions `json:"restrictions"`
}

type restrictions struct {
	AllowedOrigin string          `json:"allowed_origin"`
	RateLimit     rateLimitStatus `json:"rate_limit"`
	StrictChannel bool            `json:"strict_channel_validation"`
	HistoryLimit  int             `json:"history_limit"`
	DownloadMode  DownloadMode    `json:"download_mode"`
}

type rateLimitStatus struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type filesResponse struct {
	Success  bool       `json:"success"`
	Channel  string     `json:"channel"`
	Count    int        `json:"count"`
	Files    []fileJSON `json:"files"`
	Security string     `json:"security"`
}

type fileJSON struct {
	ID          int    `json:"id"`
	Date        string `json:"date"`
	Timestamp   int64  `json:"timestamp"`
	Caption     string `json:"caption"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mime_type,omitempty"`
	FileID      string `json:"file_id"`
	DownloadURL string `json:"download_url"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err := indexTemplate.Execute(w, map[string]any{
		"Service":      s.cfg.ServiceName,
		"Frontend":     s.cfg.FrontendURL,
		"Origin":       s.cfg.AllowedOrigin,
		"RateLimit":    s.limiter.Limit(),
		"RateWindow":   s.limiter.Window().String(),
		"DownloadMode": string(s.cfg.DownloadMode),
	})
	if err != nil {
		s.logger(r.Context()).Error("rendering index page", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "secure",
		Service:   s.cfg.ServiceName,
		Frontend:  s.cfg.FrontendURL,
		Timestamp: s.timestamp(),
		Restrictions: restrictions{
			AllowedOrigin: s.cfg.AllowedOrigin,
			RateLimit: rateLimitStatus{
				Requests: s.limiter.Limit(),
				Window:   s.limiter.Window().String(),
			},
			StrictChannel: s.cfg.StrictChannel,
			HistoryLimit:  s.cfg.HistoryLimit,
			DownloadMode:  s.cfg.DownloadMode,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.timestamp(),
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	listing, err := s.files.ListFiles(r.Context(), r.URL.Query().Get("channel"))
	if err != nil {
		s.writeListError(w, r, err)
		return
	}

	resp := filesResponse{
		Success:  true,
		Channel:  listing.Channel,
		Count:    len(listing.Files),
		Files:    make([]fileJSON, 0, len(listing.Files)),
		Security: "token_secured",
	}

	base := s.publicBase(r)
	for _, f := range listing.Files {
		resp.Files = append(resp.Files, fileJSON{
			ID:          f.MessageID,
			Date:        f.Date.Format(time.RFC3339),
			Timestamp:   f.Date.Unix(),
			Caption:     f.Caption,
			Type:        string(f.Kind),
			Name:        f.Name,
			Size:        f.Size,
			MimeType:    f.MimeType,
			FileID:      f.FileID,
			DownloadURL: s.downloadURL(base, f),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	filePath := mux.Vars(r)["path"]
	if !validFilePath(filePath) {
		writeError(w, http.StatusBadRequest, "Invalid file path")
		return
	}

	if !s.downloader.HasToken() {
		writeError(w, http.StatusInternalServerError, "Token not configured")
		return
	}

	log := s.logger(r.Context()).With("tg_file_path", filePath)

	res, err := s.downloader.OpenFile(r.Context(), filePath)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}

		log.Error("opening upstream file", "error", err)
		s.capture(r, err)
		writeError(w, http.StatusBadGateway, "Failed to fetch file from Telegram")
		return
	}
	defer func() { _ = res.Body.Close() }()

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := res.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = path.Base(filePath)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Warn("streaming file", "error", err)
	}
}

// writeListError maps service errors to responses. Upstream details are
// logged but never returned to the caller.
func (s *Server) writeListError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger(r.Context())

	switch files.KindOf(err) {
	case files.ErrorKindConfiguration:
		log.Error("listing files", "error", err)
		writeError(w, http.StatusInternalServerError, "Token not configured")
	case files.ErrorKindValidation:
		var validationErr *files.ValidationError
		errors.As(err, &validationErr)
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case files.ErrorKindUpstream:
		log.Error("listing files", "error", err)
		s.capture(r, err)
		writeError(w, http.StatusBadGateway, "Failed to fetch files from Telegram")
	default:
		log.Error("listing files", "error", err)
		s.capture(r, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) downloadURL(base string, f e.ResolvedFile) string {
	if s.cfg.DownloadMode == DownloadModeDirect {
		return f.DownloadURL
	}

	segments := strings.Split(f.FilePath, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return base + "/api/download/" + strings.Join(segments, "/") + "?name=" + url.QueryEscape(f.Name)
}

func (s *Server) publicBase(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}

	return requestBase(r, s.cfg.TrustProxy)
}

func (s *Server) capture(r *http.Request, err error) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	hub.CaptureException(err)
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// validFilePath accepts relative Telegram file paths like "documents/file_1.pdf".
func validFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}

	return true
}
