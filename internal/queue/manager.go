// Package queue はエクスポートジョブの非同期実行基盤を提供します。
// ジョブ作成時と再試行時の2つのタスク種別がそれぞれ独立した
// コンシューマーとして動き、どちらも同じクレーム + オーケストレーター
// 経路に合流します。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/calendar-forge/internal/export"
	"github.com/yourusername/calendar-forge/internal/jobs"
)

const (
	taskTypeProcess = "export:process"
	taskTypeRetry   = "export:retry"
	queueName       = "exports"
)

// TaskPayload はエクスポートタスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Manager はタスクの投入とワーカーの管理を担います。
type Manager struct {
	client      *asynq.Client
	server      *asynq.Server
	mux         *asynq.ServeMux
	store       *jobs.Store
	coordinator *jobs.Coordinator
	exporter    *export.Service
	logger      *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(
	redisURL string,
	concurrency int,
	store *jobs.Store,
	coordinator *jobs.Coordinator,
	exporter *export.Service,
	logger *log.Logger,
) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if coordinator == nil {
		return nil, errors.New("coordinator is nil")
	}
	if exporter == nil {
		return nil, errors.New("exporter is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:      client,
		server:      server,
		mux:         mux,
		store:       store,
		coordinator: coordinator,
		exporter:    exporter,
		logger:      logger,
	}
	mux.HandleFunc(taskTypeProcess, manager.handleProcessTask)
	mux.HandleFunc(taskTypeRetry, manager.handleRetryTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Schedule はジョブ作成イベントに対応する処理タスクを投入します。
func (m *Manager) Schedule(ctx context.Context, jobID string) error {
	return m.enqueue(ctx, taskTypeProcess, jobID)
}

// ScheduleRetry は再試行イベントに対応する処理タスクを投入します。
func (m *Manager) ScheduleRetry(ctx context.Context, jobID string) error {
	return m.enqueue(ctx, taskTypeRetry, jobID)
}

func (m *Manager) enqueue(ctx context.Context, taskType, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	// 再実行の判断はクレームと外部からの明示的な再キューに委ねるため、
	// Asynq 自身のリトライは使わない
	task := asynq.NewTask(taskType, body, asynq.Queue(queueName))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	return err
}

func (m *Manager) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	return m.processTask(ctx, task, "create")
}

func (m *Manager) handleRetryTask(ctx context.Context, task *asynq.Task) error {
	return m.processTask(ctx, task, "retry")
}

func (m *Manager) processTask(ctx context.Context, task *asynq.Task, trigger string) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	eventID := uuid.NewString()
	record, err := m.coordinator.Claim(ctx, payload.JobID, eventID)
	if err != nil {
		return err
	}
	if record == nil {
		// 取得できなかった場合は別の試行がすでに処理しているか、
		// 処理対象外の状態になっている
		return nil
	}

	if m.logger != nil {
		m.logger.Printf("processing job=%s trigger=%s event=%s attempt=%d", record.ID, trigger, eventID, record.Attempts)
	}

	result, err := m.exporter.Run(ctx, record, func(stage jobs.Stage) {
		if err := m.store.AdvanceStage(ctx, record.ID, stage); err != nil && m.logger != nil {
			m.logger.Printf("failed to advance stage job=%s stage=%s: %v", record.ID, stage, err)
		}
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("export failed job=%s event=%s: %v", record.ID, eventID, err)
		}
		// 失敗はジョブレコードに終了状態として記録し、ここから先へは
		// 伝播させない。再試行するかどうかは外部の判断に委ねる。
		if markErr := m.store.MarkFailed(ctx, record.ID, export.FailureMessage(err)); markErr != nil && m.logger != nil {
			m.logger.Printf("failed to mark job failed job=%s: %v", record.ID, markErr)
		}
		return nil
	}

	return m.store.MarkCompleted(ctx, record.ID, jobs.Output{
		StoragePath: result.StoragePath,
		ContentType: result.ContentType,
	})
}
