package queue

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/calendar-forge/internal/jobs"
)

// RetryScheduler は再試行タスクの投入を提供します。
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, jobID string) error
}

// Sweeper はクラッシュ等で running のまま放置されたジョブを定期的に回収し、
// queued に戻して再試行タスクを投入します。クレームプロトコル自体には
// リース期限がないため、この掃除役が唯一の回復経路になります。
type Sweeper struct {
	store     *jobs.Store
	scheduler RetryScheduler
	lease     time.Duration
	cron      *cron.Cron
	logger    *log.Logger
}

// NewSweeper は Sweeper を作成します。lease は running のジョブを放置と
// みなすまでの経過時間です。
func NewSweeper(store *jobs.Store, scheduler RetryScheduler, lease time.Duration, logger *log.Logger) *Sweeper {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &Sweeper{
		store:     store,
		scheduler: scheduler,
		lease:     lease,
		logger:    logger,
	}
}

// Start は定期実行を開始します。
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop は定期実行を停止します。
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.lease)

	requeued, err := s.store.RequeueStale(ctx, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("failed to sweep stale jobs: %v", err)
		}
		return
	}

	for _, jobID := range requeued {
		if s.logger != nil {
			s.logger.Printf("requeued stale job=%s", jobID)
		}
		if err := s.scheduler.ScheduleRetry(ctx, jobID); err != nil && s.logger != nil {
			s.logger.Printf("failed to schedule retry for stale job=%s: %v", jobID, err)
		}
	}
}
