package jobs

import (
	"context"
	"log"
)

const (
	// DefaultMaxAttempts は試行回数上限の既定値です。
	DefaultMaxAttempts = 3

	minMaxAttempts = 1
	maxMaxAttempts = 10
)

// Coordinator はキュー済みジョブの取得（クレーム）を調停します。
// 同一ジョブを同時に処理できるのは常に高々1つの試行のみです。
type Coordinator struct {
	store       *Store
	maxAttempts int
	logger      *log.Logger
}

// NewCoordinator は Coordinator を作成します。
// maxAttempts は 1〜10 にクランプされ、0以下の場合は既定値になります。
func NewCoordinator(store *Store, maxAttempts int, logger *log.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts < minMaxAttempts {
		maxAttempts = minMaxAttempts
	}
	if maxAttempts > maxMaxAttempts {
		maxAttempts = maxMaxAttempts
	}
	return &Coordinator{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// MaxAttempts はクランプ後の試行回数上限を返します。
func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

// Claim はジョブの取得を試みます。取得できない場合（存在しない、
// queued ではない、試行回数超過で終了状態にした場合）は nil を返します。
// eventID は診断用のトークンで、正しさには関与しません。
func (c *Coordinator) Claim(ctx context.Context, jobID, eventID string) (*Record, error) {
	record, err := c.store.Claim(ctx, jobID, eventID, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	if record == nil {
		if c.logger != nil {
			c.logger.Printf("claim skipped job=%s event=%s", jobID, eventID)
		}
		return nil, nil
	}
	if c.logger != nil {
		c.logger.Printf("claimed job=%s event=%s attempt=%d/%d", jobID, eventID, record.Attempts, c.maxAttempts)
	}
	return record, nil
}
