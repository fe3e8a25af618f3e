package files

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"
	"nuclight.org/tg-files-gateway/app/telegram"
	e "nuclight.org/tg-files-gateway/pkg/entities"
	"nuclight.org/tg-files-gateway/pkg/logger"
)

const DefaultHistoryLimit = 30

// Service lists the files posted to a channel. It reads the channel history,
// extracts one attachment per message and resolves each attachment to a
// download path. Nothing is kept between calls, so two calls against the same
// upstream state return the same listing.
type Service struct {
	// Log is a logger
	Log logger.Logger

	// Telegram is the upstream client
	Telegram TelegramClient

	// DefaultChannel is used when the request names no channel, empty means
	// the channel is required
	DefaultChannel string

	// StrictChannel requires channels to be an @username
	StrictChannel bool

	// HistoryLimit is the number of recent messages to inspect
	HistoryLimit int

	// ResolveConcurrency bounds parallel path lookups, 1 or less is sequential
	ResolveConcurrency int

	// FailUnresolved fails the whole listing when a single file can not be
	// resolved, otherwise such files are logged and left out
	FailUnresolved bool
}

type Listing struct {
	Channel string
	Files   []e.ResolvedFile
}

// ListFiles returns the resolved files of channel, most recent first as
// upstream orders them.
func (s *Service) ListFiles(ctx context.Context, channel string) (Listing, error) {
	channel, err := s.NormalizeChannel(channel)
	if err != nil {
		return Listing{}, err
	}

	if !s.Telegram.HasToken() {
		return Listing{}, ErrNotConfigured
	}

	log := s.Log.With("tg_channel", channel)

	messages, err := s.Telegram.FetchHistory(ctx, channel, s.historyLimit())
	if err != nil {
		return Listing{}, &UpstreamError{Op: "fetching history", Err: err}
	}

	descriptors := Extract(messages)
	log.Debug("history fetched", "messages", len(messages), "files", len(descriptors))

	resolved, err := s.resolve(ctx, log, descriptors)
	if err != nil {
		return Listing{}, err
	}

	return Listing{
		Channel: channel,
		Files:   resolved,
	}, nil
}

// NormalizeChannel applies the default channel and validates the result.
func (s *Service) NormalizeChannel(channel string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = s.DefaultChannel
	}

	if channel == "" {
		return "", &ValidationError{Param: "channel", Message: "Channel parameter is required"}
	}

	if s.StrictChannel && (!strings.HasPrefix(channel, "@") || len(channel) == 1) {
		return "", &ValidationError{Param: "channel", Message: "Channel must start with @"}
	}

	return channel, nil
}

// Extract keeps the messages that carry an attachment, preserving order.
func Extract(messages []tgbotapi.Message) []e.FileDescriptor {
	var descriptors []e.FileDescriptor
	for i := range messages {
		if desc, ok := telegram.ExtractFile(&messages[i]); ok {
			descriptors = append(descriptors, desc)
		}
	}

	return descriptors
}

func (s *Service) resolve(ctx context.Context, log logger.Logger, descriptors []e.FileDescriptor) ([]e.ResolvedFile, error) {
	slots := make([]*e.ResolvedFile, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.ResolveConcurrency, 1))

	for i, desc := range descriptors {
		g.Go(func() error {
			path, err := s.Telegram.ResolveFilePath(gctx, desc.FileID)
			if err != nil {
				if s.FailUnresolved {
					return &UpstreamError{Op: "resolving file " + desc.FileID, Err: err}
				}

				log.Warn("skipping unresolved file",
					"tg_message_id", desc.MessageID,
					"tg_file_id", desc.FileID,
					"error", err,
				)
				return nil
			}

			slots[i] = &e.ResolvedFile{
				FileDescriptor: desc,
				FilePath:       path,
				DownloadURL:    s.Telegram.DownloadURL(path),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("resolving files: %w", err)
	}

	resolved := make([]e.ResolvedFile, 0, len(slots))
	for _, f := range slots {
		if f != nil {
			resolved = append(resolved, *f)
		}
	}

	return resolved, nil
}

func (s *Service) historyLimit() int {
	if s.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}

	return s.HistoryLimit
}

type TelegramClient interface {
	HasToken() bool
	FetchHistory(ctx context.Context, channel string, limit int) ([]tgbotapi.Message, error)
	ResolveFilePath(ctx context.Context, fileID string) (string, error)
	DownloadURL(filePath string) string
}
