package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"nuclight.org/tg-files-gateway/app/files"
	"nuclight.org/tg-files-gateway/pkg/logger"
	"nuclight.org/tg-files-gateway/pkg/ratelimit"
)

type DownloadMode string

const (
	// DownloadModeProxy serves files through /api/download, the bot token
	// never leaves the gateway
	DownloadModeProxy DownloadMode = "proxy"

	// DownloadModeDirect hands out Telegram file links, they contain the token
	DownloadModeDirect DownloadMode = "direct"
)

type Config struct {
	ServiceName   string
	FrontendURL   string
	AllowedOrigin string

	// PublicURL is the externally visible base of the gateway, used for proxy
	// links. When empty it is taken from the request.
	PublicURL    string
	DownloadMode DownloadMode

	// TrustProxy enables X-Forwarded-* headers for client address and base URL
	TrustProxy bool

	RateLimit  int
	RateWindow time.Duration

	// informational, reported by the status endpoint
	StrictChannel bool
	HistoryLimit  int
}

// Server exposes the files listing over HTTP.
type Server struct {
	log        logger.Logger
	cfg        Config
	files      FilesLister
	downloader FileOpener
	limiter    *ratelimit.Limiter
	router     *mux.Router
	now        func() time.Time
}

func New(log logger.Logger, cfg Config, lister FilesLister, downloader FileOpener) *Server {
	if cfg.DownloadMode == "" {
		cfg.DownloadMode = DownloadModeProxy
	}

	s := &Server{
		log:        log,
		cfg:        cfg,
		files:      lister,
		downloader: downloader,
		limiter:    ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		router:     mux.NewRouter(),
		now:        time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)
	api.HandleFunc("/test", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/files", s.handleFiles).Methods(http.MethodGet)
	api.HandleFunc("/download/{path:.+}", s.handleDownload).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// Handler returns the router wrapped into the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router

	// without an allowed origin no CORS headers are sent and browsers keep
	// the API same-origin only
	if s.cfg.AllowedOrigin != "" {
		h = handlers.CORS(
			handlers.AllowedOrigins([]string{s.cfg.AllowedOrigin}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	h = s.logRequests(h)
	h = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(h)
	h = s.recoverPanics(h)
	h = s.assignRequestID(h)

	return h
}

// Run serves on addr until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	return nil
}

type FilesLister interface {
	ListFiles(ctx context.Context, channel string) (files.Listing, error)
}

type FileOpener interface {
	HasToken() bool
	OpenFile(ctx context.Context, filePath string) (*http.Response, error)
}
