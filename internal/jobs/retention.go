package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// SessionPurger is the part of the store the retention job needs.
type SessionPurger interface {
	PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FailStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes finished transcription sessions older than the
// retention window and fails sessions that were left active by a crash.
type RetentionJob struct {
	store     SessionPurger
	logger    *log.Logger
	retention time.Duration
	staleAge  time.Duration
	interval  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRetentionJob creates a new retention job. Zero durations use defaults:
// 30 days retention, sessions active for 24h are stale, hourly runs.
func NewRetentionJob(s SessionPurger, logger *log.Logger, retention, interval time.Duration) *RetentionJob {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	return &RetentionJob{
		store:     s,
		logger:    logger,
		retention: retention,
		staleAge:  24 * time.Hour,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job.
func (j *RetentionJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("RetentionJob: started (retention=%v interval=%v)", j.retention, j.interval)
}

// Stop gracefully stops the background job.
func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.logger.Println("RetentionJob: stopped")
	})
}

func (j *RetentionJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.processAll()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.processAll()
		case <-j.stopCh:
			return
		}
	}
}

func (j *RetentionJob) processAll() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := j.now()

	failed, err := j.store.FailStaleSessions(ctx, now.Add(-j.staleAge))
	if err != nil {
		j.logger.Printf("RetentionJob: failed to close stale sessions: %v", err)
	} else if failed > 0 {
		j.logger.Printf("RetentionJob: marked %d stale sessions as failed", failed)
	}

	purged, err := j.store.PurgeSessionsBefore(ctx, now.Add(-j.retention))
	if err != nil {
		j.logger.Printf("RetentionJob: failed to purge sessions: %v", err)
		return
	}
	if purged > 0 {
		j.logger.Printf("RetentionJob: purged %d sessions", purged)
	}
}
