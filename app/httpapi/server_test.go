package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuclight.org/tg-files-gateway/app/files"
	"nuclight.org/tg-files-gateway/app/telegram"
	"nuclight.org/tg-files-gateway/pkg/logger"
)

const testToken = "42:topsecret"

type upstream struct {
	history      string
	paths        map[string]string
	historyCalls  atomic.Int32
	fileCalls     atomic.Int32
	downloadCalls atomic.Int32
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+testToken+"/getChatHistory", func(w http.ResponseWriter, r *http.Request) {
		u.historyCalls.Add(1)
		if r.FormValue("chat_id") == "@missing" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		_, _ = io.WriteString(w, u.history)
	})
	mux.HandleFunc("/bot"+testToken+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		u.fileCalls.Add(1)
		fileID := r.FormValue("file_id")
		path, ok := u.paths[fileID]
		if !ok {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_path":%q}}`, fileID, path)
	})
	mux.HandleFunc("/file/", func(w http.ResponseWriter, r *http.Request) {
		u.downloadCalls.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/file/bot"+testToken+"/docs/abc.pdf", func(w http.ResponseWriter, r *http.Request) {
		u.downloadCalls.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4 test")
	})
	return mux
}

const documentHistory = `{"ok":true,"result":[
	{"message_id":3,"date":1700000300,"caption":"notes","document":{"file_id":"abc","file_name":"a.pdf","file_size":100,"mime_type":"application/pdf"}},
	{"message_id":2,"date":1700000200,"text":"no media here"},
	{"message_id":1,"date":1700000100,"photo":[{"file_id":"small","file_size":10},{"file_id":"large","file_size":500}]}
]}`

type gateway struct {
	handler  http.Handler
	upstream *upstream
}

func newGateway(t *testing.T, token string, configure func(*Config, *files.Service)) *gateway {
	t.Helper()

	up := &upstream{
		history: documentHistory,
		paths:   map[string]string{"abc": "docs/abc.pdf", "large": "photos/large.jpg"},
	}

	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	tg := telegram.NewClient(token, telegram.Endpoints{
		API:  srv.URL + "/bot%s/%s",
		File: srv.URL + "/file/bot%s/%s",
	}, srv.Client())

	svc := &files.Service{
		Log:           logger.Discard(),
		Telegram:      tg,
		StrictChannel: true,
		HistoryLimit:  30,
	}

	cfg := Config{
		ServiceName:   "Telegram Files API",
		AllowedOrigin: "https://frontend.example",
		PublicURL:     "https://gateway.example",
		DownloadMode:  DownloadModeProxy,
		RateLimit:     100,
		RateWindow:    15 * time.Minute,
		StrictChannel: true,
		HistoryLimit:  30,
	}

	if configure != nil {
		configure(&cfg, svc)
	}

	s := New(logger.Discard(), cfg, svc, tg)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

	return &gateway{handler: s.Handler(), upstream: up}
}

func (g *gateway) get(t *testing.T, target string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "198.51.100.7:5555"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestFiles_ListsDocumentAndLargestPhoto(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/api/files?channel=@x")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp filesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, "@x", resp.Channel)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "token_secured", resp.Security)
	require.Len(t, resp.Files, 2)

	doc := resp.Files[0]
	assert.Equal(t, 3, doc.ID)
	assert.Equal(t, "document", doc.Type)
	assert.Equal(t, "a.pdf", doc.Name)
	assert.Equal(t, int64(100), doc.Size)
	assert.Equal(t, "notes", doc.Caption)
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.Equal(t, int64(1700000300), doc.Timestamp)
	assert.Contains(t, doc.DownloadURL, "docs/abc.pdf")
	assert.True(t, strings.HasPrefix(doc.DownloadURL, "https://gateway.example/api/download/"))

	photo := resp.Files[1]
	assert.Equal(t, "image", photo.Type)
	assert.Equal(t, "large", photo.FileID)
	assert.Equal(t, "image_1", photo.Name)

	assert.NotContains(t, w.Body.String(), testToken)
}

func TestFiles_DirectDownloadMode(t *testing.T) {
	g := newGateway(t, testToken, func(cfg *Config, _ *files.Service) {
		cfg.DownloadMode = DownloadModeDirect
	})

	w := g.get(t, "/api/files?channel=@x")
	require.Equal(t, http.StatusOK, w.Code)

	var resp filesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Files)
	assert.Contains(t, resp.Files[0].DownloadURL, "/file/bot"+testToken+"/docs/abc.pdf")
}

func TestFiles_InvalidChannel(t *testing.T) {
	g := newGateway(t, testToken, nil)

	for _, channel := range []string{"", "x", "files", "%23tag", "@"} {
		w := g.get(t, "/api/files?channel="+channel)

		assert.Equal(t, http.StatusBadRequest, w.Code, "channel %q", channel)
		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.NotEmpty(t, body["error"])
	}

	assert.Equal(t, int32(0), g.upstream.historyCalls.Load())
}

func TestFiles_DefaultChannelInPermissiveMode(t *testing.T) {
	g := newGateway(t, testToken, func(_ *Config, svc *files.Service) {
		svc.StrictChannel = false
		svc.DefaultChannel = "@Anon27199"
	})

	w := g.get(t, "/api/files")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "@Anon27199", decode(t, w)["channel"])
}

func TestFiles_MissingToken(t *testing.T) {
	g := newGateway(t, "", nil)

	w := g.get(t, "/api/files?channel=@x")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Token not configured", body["error"])
}

func TestFiles_InvalidChannelWithoutToken(t *testing.T) {
	g := newGateway(t, "", nil)

	w := g.get(t, "/api/files?channel=nochan")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
	assert.Equal(t, int32(0), g.upstream.historyCalls.Load())
}

func TestFiles_UpstreamErrorIsNotLeaked(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/api/files?channel=@missing")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Failed to fetch files from Telegram", body["error"])
	assert.NotContains(t, w.Body.String(), "chat not found")
}

func TestFiles_UnresolvedFileIsSkipped(t *testing.T) {
	g := newGateway(t, testToken, nil)
	delete(g.upstream.paths, "large")

	w := g.get(t, "/api/files?channel=@x")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestFiles_Idempotent(t *testing.T) {
	g := newGateway(t, testToken, nil)

	first := g.get(t, "/api/files?channel=@x")
	second := g.get(t, "/api/files?channel=@x")

	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestRateLimit_HundredFirstRequest(t *testing.T) {
	g := newGateway(t, testToken, nil)

	for i := 0; i < 100; i++ {
		w := g.get(t, "/api/files?channel=@x")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	calls := g.upstream.historyCalls.Load()

	w := g.get(t, "/api/files?channel=@x")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, calls, g.upstream.historyCalls.Load(), "limited request must not reach upstream")

	other := httptest.NewRequest(http.MethodGet, "/api/files?channel=@x", nil)
	other.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "other callers are not affected")
}

func TestRateLimit_HealthIsNotLimited(t *testing.T) {
	g := newGateway(t, testToken, func(cfg *Config, _ *files.Service) {
		cfg.RateLimit = 1
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, g.get(t, "/health").Code)
	}

	assert.Equal(t, http.StatusOK, g.get(t, "/api/status").Code)
	assert.Equal(t, http.StatusTooManyRequests, g.get(t, "/api/status").Code)
}

func TestRateLimit_ProxyHeadersOnlyWhenTrusted(t *testing.T) {
	g := newGateway(t, testToken, func(cfg *Config, _ *files.Service) {
		cfg.RateLimit = 1
	})

	assert.Equal(t, http.StatusOK, g.get(t, "/api/status", "X-Forwarded-For", "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, g.get(t, "/api/status", "X-Forwarded-For", "10.0.0.2").Code)

	trusted := newGateway(t, testToken, func(cfg *Config, _ *files.Service) {
		cfg.RateLimit = 1
		cfg.TrustProxy = true
	})

	assert.Equal(t, http.StatusOK, trusted.get(t, "/api/status", "X-Forwarded-For", "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, trusted.get(t, "/api/status", "X-Forwarded-For", "10.0.0.2").Code)
}

func TestStatusEndpoints(t *testing.T) {
	g := newGateway(t, testToken, nil)

	for _, path := range []string{"/api/test", "/api/status"} {
		w := g.get(t, path)
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp statusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "secure", resp.Status)
		assert.Equal(t, "Telegram Files API", resp.Service)
		assert.Equal(t, "2025-03-01T10:00:00Z", resp.Timestamp)
		assert.Equal(t, "https://frontend.example", resp.Restrictions.AllowedOrigin)
		assert.Equal(t, 100, resp.Restrictions.RateLimit.Requests)
		assert.Equal(t, "15m0s", resp.Restrictions.RateLimit.Window)
		assert.True(t, resp.Restrictions.StrictChannel)
		assert.Equal(t, 30, resp.Restrictions.HistoryLimit)
	}
}

func TestHealth(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","timestamp":"2025-03-01T10:00:00Z"}`, w.Body.String())
}

func TestIndexPage(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Telegram Files API")
	assert.Contains(t, w.Body.String(), "https://frontend.example")
	assert.NotContains(t, w.Body.String(), testToken)
}

func TestCORS(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/api/status", "Origin", "https://frontend.example")
	assert.Equal(t, "https://frontend.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = g.get(t, "/api/status", "Origin", "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDownloadProxy(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/api/download/docs/abc.pdf?name=a.pdf")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "%PDF-1.4 test", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=a.pdf`, w.Header().Get("Content-Disposition"))

	w = g.get(t, "/api/download/docs/missing.pdf")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestDownloadMissingToken(t *testing.T) {
	g := newGateway(t, "", nil)

	w := g.get(t, "/api/download/docs/abc.pdf")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"Token not configured"}`, w.Body.String())
	assert.Equal(t, int32(0), g.upstream.downloadCalls.Load())
}

func TestValidFilePath(t *testing.T) {
	valid := []string{"docs/abc.pdf", "photos/file_1.jpg", "file.bin"}
	invalid := []string{"", "/etc/passwd", "docs/../secret", "./a", "a//b", `docs\a`}

	for _, p := range valid {
		assert.True(t, validFilePath(p), p)
	}
	for _, p := range invalid {
		assert.False(t, validFilePath(p), p)
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	g := newGateway(t, testToken, nil)

	w := g.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

type panickingLister struct{}

func (panickingLister) ListFiles(context.Context, string) (files.Listing, error) {
	panic("boom")
}

func TestPanicBecomesJSON500(t *testing.T) {
	s := New(logger.Discard(), Config{RateLimit: 10, RateWindow: time.Minute}, panickingLister{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/files?channel=@x", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"Internal server error"}`, w.Body.String())
}

func TestPanicLogCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(log, Config{RateLimit: 10, RateWindow: time.Minute}, panickingLister{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/files?channel=@x", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	requestID := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, requestID)

	var panicked bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "panic" {
			panicked = true
			assert.Equal(t, requestID, rec["request_id"])
		}
	}
	assert.True(t, panicked)
}
