package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "export:job:"
	jobIndexKey  = "export:jobs"
)

// ErrNotRequeueable は failed 以外のジョブを再キューしようとした場合のエラーです。
var ErrNotRequeueable = errors.New("job is not in a requeueable state")

// Store はジョブ状態を Redis に保存します。
// ステータスと試行回数の変更はすべて WATCH/MULTI/EXEC による
// compare-and-set で行い、同一ジョブへの同時操作を排他します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create はジョブを queued 状態で新規作成します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record.ID is required")
	}

	record.Status = StatusQueued
	record.Stage = StageQueued
	record.Progress = 0
	record.Attempts = 0
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(record.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job already exists: %s", record.ID)
	}
	return s.rdb.SAdd(ctx, jobIndexKey, record.ID).Err()
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Claim はジョブを1回の atomic な read-modify-write で running に遷移させます。
// 前提条件（レコードが存在し、userId/projectId を持ち、status=queued）を
// 満たさない場合は何も書き込まずに nil を返します。試行回数が上限に達して
// いる場合は終了状態 failed を書き込んだうえで nil を返します。
// 戻り値のスナップショットには加算後の attempts が含まれます。
func (s *Store) Claim(ctx context.Context, jobID, eventID string, maxAttempts int) (*Record, error) {
	key := jobKey(jobID)
	for {
		var claimed *Record
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return nil
				}
				return err
			}

			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				// 壊れたレコードは変更せずに見送る
				return nil
			}
			if record.UserID == "" || record.ProjectID == "" {
				return nil
			}
			if record.Status != StatusQueued {
				return nil
			}

			now := time.Now().UTC()

			if record.Attempts >= maxAttempts {
				record.Status = StatusFailed
				record.Stage = StageFailed
				record.Progress = 100
				record.Error = &ErrorInfo{Message: MaxAttemptsExceededMessage}
				record.CompletedAt = &now
				return s.write(ctx, tx, key, &record)
			}

			record.Status = StatusRunning
			record.Stage = StageStarting
			record.Progress = StageProgress[StageStarting]
			record.Attempts++
			record.ProcessingEventID = eventID
			record.StartedAt = &now
			record.CompletedAt = nil
			record.Output = nil
			record.Error = nil
			if err := s.write(ctx, tx, key, &record); err != nil {
				return err
			}

			snapshot := record
			claimed = &snapshot
			return nil
		}, key)
		if err == redis.TxFailedErr {
			// 同時更新に競り負けた場合は読み直す。先に取られていれば
			// status != queued になっているので次の周回で見送られる。
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
}

// AdvanceStage は進捗チェックポイントを書き込みます。観測用のベストエフォート
// 書き込みであり、進捗率が下がる場合は何もしません。
func (s *Store) AdvanceStage(ctx context.Context, jobID string, stage Stage) error {
	percent, ok := StageProgress[stage]
	if !ok {
		return fmt.Errorf("unknown stage: %s", stage)
	}
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if percent < record.Progress {
			return false
		}
		record.Stage = stage
		record.Progress = percent
		return true
	})
}

// MarkCompleted はジョブ完了時の情報を保存します。
func (s *Store) MarkCompleted(ctx context.Context, jobID string, output Output) error {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		now := time.Now().UTC()
		record.Status = StatusCompleted
		record.Stage = StageCompleted
		record.Progress = 100
		record.Output = &output
		record.Error = nil
		record.CompletedAt = &now
		return true
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, message string) error {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		now := time.Now().UTC()
		record.Status = StatusFailed
		record.Stage = StageFailed
		record.Progress = 100
		record.Output = nil
		record.Error = &ErrorInfo{Message: message}
		record.CompletedAt = &now
		return true
	})
}

// Requeue は failed のジョブを queued に戻します。パイプライン自身は
// ジョブを queued に戻すことはなく、これは外部からの明示的な
// 再試行操作としてのみ呼ばれます。
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return fmt.Errorf("job not found: %s", jobID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if record.Status != StatusFailed {
				return ErrNotRequeueable
			}
			resetToQueued(&record)
			return s.write(ctx, tx, key, &record)
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

// RequeueStale は startedAt が cutoff より古い running ジョブを queued に
// 戻し、対象となったジョブIDを返します。クラッシュ等で running のまま
// 放置されたジョブの回収用です。
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, err
	}

	var requeued []string
	for _, jobID := range ids {
		key := jobKey(jobID)
		for {
			var hit bool
			err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
				data, err := tx.Get(ctx, key).Bytes()
				if err != nil {
					if err == redis.Nil {
						return nil
					}
					return err
				}
				var record Record
				if err := json.Unmarshal(data, &record); err != nil {
					return nil
				}
				if record.Status != StatusRunning || record.StartedAt == nil || !record.StartedAt.Before(cutoff) {
					return nil
				}
				resetToQueued(&record)
				if err := s.write(ctx, tx, key, &record); err != nil {
					return err
				}
				hit = true
				return nil
			}, key)
			if err == redis.TxFailedErr {
				continue
			}
			if err != nil {
				return requeued, err
			}
			if hit {
				requeued = append(requeued, jobID)
			}
			break
		}
	}
	return requeued, nil
}

func resetToQueued(record *Record) {
	record.Status = StatusQueued
	record.Stage = StageQueued
	record.Progress = 0
	record.ProcessingEventID = ""
	record.Output = nil
	record.Error = nil
	record.StartedAt = nil
	record.CompletedAt = nil
}

func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) bool) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return fmt.Errorf("job not found: %s", jobID)
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if !mutate(&record) {
				return nil
			}
			return s.write(ctx, tx, key, &record)
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func (s *Store) write(ctx context.Context, tx *redis.Tx, key string, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		return nil
	})
	return err
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
