package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/voxlive/internal/app"
	"github.com/lukasbauer/voxlive/internal/httpapi"
)

func main() {
	cfg := app.LoadConfigFromEnv()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	// voxlive token <client-id> [name] prints an API token and exits
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			logger.Fatalf("token: %v", err)
		}
		return
	}

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      getEnvironment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}

	streams := httpapi.NewStreamRegistry()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(streams),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	// Reject new streams, let live sessions deliver their final events,
	// then shut the listener down.
	streams.StartDraining()
	logger.Printf("shutting down, %d live streams", streams.ActiveCount())

	drainTimeout := cfg.DrainTimeout + cfg.CloseTimeout + 5*time.Second
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	a.Drain(drainCtx)
	cancelDrain()

	if !streams.Wait(5 * time.Second) {
		logger.Printf("shutdown: %d streams still open", streams.ActiveCount())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = a.Close()
}

func issueToken(cfg app.Config, args []string) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: server token <client-id> [name]")
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	token, err := httpapi.IssueToken(cfg.JWTSecret, args[0], name, 365*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
