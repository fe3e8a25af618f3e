package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jessevdk/go-flags"
	"nuclight.org/tg-files-gateway/app/files"
	"nuclight.org/tg-files-gateway/app/httpapi"
	"nuclight.org/tg-files-gateway/app/telegram"
	"nuclight.org/tg-files-gateway/pkg/logger"
	"nuclight.org/tg-files-gateway/pkg/tracing"
)

var opts struct {
	Host string `long:"host" env:"HOST" default:"" description:"interface to listen on"`
	Port string `long:"port" env:"PORT" default:"3000" description:"port to listen on"`

	TelegramBotToken     string        `long:"telegram-bot-token" env:"TELEGRAM_BOT_TOKEN" description:"telegram bot api token, requests fail with a configuration error without it"`
	TelegramAPIEndpoint  string        `long:"telegram-api-endpoint" env:"TELEGRAM_API_ENDPOINT" description:"bot api url format taking token and method"`
	TelegramFileEndpoint string        `long:"telegram-file-endpoint" env:"TELEGRAM_FILE_ENDPOINT" description:"file download url format taking token and file path"`
	TelegramTimeout      time.Duration `long:"telegram-timeout" env:"TELEGRAM_TIMEOUT" default:"10s" description:"timeout of a single telegram api call"`

	DefaultChannel     string `long:"default-channel" env:"DEFAULT_CHANNEL" description:"channel listed when the request names none"`
	Permissive         bool   `long:"permissive" env:"PERMISSIVE_CHANNEL" description:"accept channels not starting with @"`
	HistoryLimit       int    `long:"history-limit" env:"HISTORY_LIMIT" default:"30" description:"number of recent messages to inspect"`
	ResolveConcurrency int    `long:"resolve-concurrency" env:"RESOLVE_CONCURRENCY" default:"1" description:"parallel file path lookups per request"`
	FailUnresolved     bool   `long:"fail-unresolved" env:"FAIL_UNRESOLVED" description:"fail the whole listing when one file can not be resolved"`

	ServiceName   string        `long:"service-name" env:"SERVICE_NAME" default:"Telegram Files API" description:"name reported by the status endpoints"`
	FrontendURL   string        `long:"frontend-url" env:"FRONTEND_URL" default:"https://anonedu.github.io/telegram-files-secure/" description:"frontend reported by the status endpoints"`
	AllowedOrigin string        `long:"allowed-origin" env:"ALLOWED_ORIGIN" default:"https://anonedu.github.io" description:"the only origin allowed by CORS"`
	PublicURL     string        `long:"public-url" env:"PUBLIC_URL" description:"external base url of the gateway used in download links"`
	DownloadMode  string        `long:"download-mode" env:"DOWNLOAD_MODE" default:"proxy" choice:"proxy" choice:"direct" description:"proxy files through the gateway or hand out telegram links"`
	TrustProxy    bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"honour X-Forwarded-* headers"`
	RateLimit     int           `long:"rate-limit" env:"RATE_LIMIT" default:"100" description:"requests per caller within the rate window"`
	RateWindow    time.Duration `long:"rate-window" env:"RATE_WINDOW" default:"15m" description:"rate limiting window"`

	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	SentryDSN   string `long:"sentry-dsn" env:"SENTRY_DSN" description:"sentry dsn, reporting is disabled when empty"`
	Environment string `long:"environment" env:"ENVIRONMENT" default:"production" description:"environment reported to sentry"`
	TraceStdout bool   `long:"trace-stdout" env:"TRACE_STDOUT" description:"print opentelemetry spans to stdout"`
}

var Revision = "dev"

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	os.Exit(run())
}

// run returns the exit code, deferred flushes complete before main exits.
func run() int {
	log := logger.NewLogger(opts.LogLevel)
	log.Info("starting gateway", "revision", Revision)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         opts.SentryDSN,
			Release:     Revision,
			Environment: opts.Environment,
		})
		if err != nil {
			log.Error("initializing sentry", "error", err)
			return 1
		}
		defer sentry.Flush(2 * time.Second)
	}

	if opts.TraceStdout {
		shutdown, err := tracing.Setup("tg-files-gateway", Revision)
		if err != nil {
			log.Error("initializing tracing", "error", err)
			return 1
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error("shutting down tracing", "error", err)
			}
		}()
	}

	if opts.TelegramBotToken == "" {
		log.Warn("telegram bot token is not set, file listing will answer with an error")
	}

	tg := telegram.NewClient(
		opts.TelegramBotToken,
		telegram.Endpoints{
			API:  opts.TelegramAPIEndpoint,
			File: opts.TelegramFileEndpoint,
		},
		&http.Client{Timeout: opts.TelegramTimeout},
	)

	svc := &files.Service{
		Log:                log,
		Telegram:           tg,
		DefaultChannel:     opts.DefaultChannel,
		StrictChannel:      !opts.Permissive,
		HistoryLimit:       opts.HistoryLimit,
		ResolveConcurrency: opts.ResolveConcurrency,
		FailUnresolved:     opts.FailUnresolved,
	}

	srv := httpapi.New(log, httpapi.Config{
		ServiceName:   opts.ServiceName,
		FrontendURL:   opts.FrontendURL,
		AllowedOrigin: opts.AllowedOrigin,
		PublicURL:     opts.PublicURL,
		DownloadMode:  httpapi.DownloadMode(opts.DownloadMode),
		TrustProxy:    opts.TrustProxy,
		RateLimit:     opts.RateLimit,
		RateWindow:    opts.RateWindow,
		StrictChannel: svc.StrictChannel,
		HistoryLimit:  opts.HistoryLimit,
	}, svc, tg)

	if err := srv.Run(ctx, net.JoinHostPort(opts.Host, opts.Port)); err != nil {
		log.Error("running http server", "error", err)
		sentry.CaptureException(err)
		return 1
	}

	log.Info("gateway stopped")
	return 0
}
