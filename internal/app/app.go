package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/voxlive/internal/eventlog"
	"github.com/lukasbauer/voxlive/internal/httpapi"
	"github.com/lukasbauer/voxlive/internal/jobs"
	"github.com/lukasbauer/voxlive/internal/notifications"
	"github.com/lukasbauer/voxlive/internal/store"
	"github.com/lukasbauer/voxlive/internal/stt"
)

type App struct {
	cfg         Config
	logger      *log.Logger
	db          *pgxpool.Pool
	store       *store.Store
	eventLog    *eventlog.Logger
	notifier    *notifications.Discord
	transcriber *Transcriber
	retention   *jobs.RetentionJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		logger.Printf("app: DATABASE_URL not set, sessions will not be persisted")
	}

	s := store.New(db)
	el := eventlog.New(db)
	notifier := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	manager := stt.NewManager(stt.ManagerConfig{
		ServerURL:        cfg.TranscribeServerURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		DrainTimeout:     cfg.DrainTimeout,
	}, nil, logger)

	a := &App{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		store:       s,
		eventLog:    el,
		notifier:    notifier,
		transcriber: NewTranscriber(manager, s, el, notifier, logger),
	}

	if s.Enabled() {
		a.retention = jobs.NewRetentionJob(s, logger, time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.RetentionInterval)
		a.retention.Start()
	}
	return a, nil
}

func (a *App) Router(streams *httpapi.StreamRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:     a.cfg.PublicBaseURL,
		JWTSecret:         a.cfg.JWTSecret,
		APIKey:            a.cfg.MistralAPIKey,
		DefaultModel:      a.cfg.TranscribeModel,
		DefaultSampleRate: a.cfg.TranscribeSampleRate,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.transcriber, a.store, streams)
}

// Drain stops every live session so their final events are delivered and
// recorded.
func (a *App) Drain(ctx context.Context) {
	if n := a.transcriber.Count(); n > 0 {
		a.logger.Printf("app: draining %d live sessions", n)
		a.notifier.NotifyShutdown(ctx, n)
	}

	done := make(chan struct{})
	go func() {
		a.transcriber.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Printf("app: drain interrupted with %d sessions left", a.transcriber.Count())
	}
}

func (a *App) Close() error {
	if a.retention != nil {
		a.retention.Stop()
	}
	a.eventLog.Close()
	a.notifier.Flush(5 * time.Second)
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
