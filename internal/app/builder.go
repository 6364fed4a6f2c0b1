// Package app wires the match components together and exposes the operations a UI drives.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lan/internal/config"
	"github.com/park285/cheese-lan/internal/events"
	"github.com/park285/cheese-lan/internal/journal"
	"github.com/park285/cheese-lan/internal/msgcat"
	"github.com/park285/cheese-lan/internal/notify"
	"github.com/park285/cheese-lan/internal/results"
	"github.com/park285/cheese-lan/internal/session"
)

// Deps are the long-lived collaborators of a Controller. Optional backends stay nil
// when their URL is not configured.
type Deps struct {
	Config   *config.AppConfig
	Logger   *zap.Logger
	Store    journal.Store
	Redis    *journal.RedisStore
	Results  *results.Repository
	Notifier *notify.Client
	Catalog  *msgcat.Catalog
	Events   *events.Broadcaster[session.Event]
}

func Build(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Config: cfg, Logger: logger, Events: events.NewBroadcaster[session.Event](100 * time.Millisecond)}

	catalog, err := msgcat.New(cfg.MessageDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Catalog = catalog

	// Journal (Redis optional)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		store, err := journal.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
		d.Redis = store
		d.Store = store
	} else {
		d.Store = journal.NewMemoryStore()
	}

	// Archive (Postgres optional)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := results.NewRepository(cfg.DatabaseURL)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("init results: %w", err)
		}
		d.Results = repo
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("results schema: %w", err)
		}
	}

	if strings.TrimSpace(cfg.WebhookURL) != "" {
		d.Notifier = notify.NewClient(cfg.WebhookURL, notify.WithLogger(logger.Named("notify")))
	}
	logger.Info("app_build",
		zap.Bool("redis", d.Redis != nil),
		zap.Bool("postgres", d.Results != nil),
		zap.Bool("webhook", d.Notifier != nil))
	return d, nil
}

func (d *Deps) Close() error {
	var errs []error
	d.Events.Close()
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.Results != nil {
		errs = append(errs, d.Results.Close())
	}
	return errors.Join(errs...)
}

// onFinish archives and announces a finished match.
func (d *Deps) onFinish(ctx context.Context, s session.Summary) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if d.Results != nil {
		if err := d.Results.SaveResult(ctx, s); err != nil {
			d.Logger.Warn("results_save_failed", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}
	if d.Notifier != nil {
		_ = d.Notifier.NotifyFinished(ctx, s)
	}
}
