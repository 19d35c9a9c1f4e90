package export

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yourusername/calendar-forge/internal/jobs"
	"github.com/yourusername/calendar-forge/internal/storage"
)

// UserIDHeader は呼び出しユーザーを識別するヘッダーです。
// 認証そのものは外部レイヤーの責務であり、ここでは検証済みの
// 識別子が渡ってくる前提で扱います。
const UserIDHeader = "X-User-Id"

// JobCreator はジョブの新規作成を提供します。
type JobCreator interface {
	Create(ctx context.Context, record *jobs.Record) error
}

// JobReader はジョブ情報の取得を提供します。
type JobReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
}

// JobRequeuer はジョブの再キューを提供します。
type JobRequeuer interface {
	JobReader
	Requeue(ctx context.Context, jobID string) error
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, jobID string) error
	ScheduleRetry(ctx context.Context, jobID string) error
}

type createRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	Format    string `json:"format"`
}

// CreateHandler は POST /api/exports のハンドラーを返します。
// ジョブを queued で作成し、処理タスクをキューに投入します。
func CreateHandler(store JobCreator, scheduler JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := userIDFrom(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    CodeInvalidInput,
				"message": "ユーザーIDが特定できません。",
			})
			return
		}

		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "projectId を JSON で送ってください。",
			})
			return
		}

		format := strings.TrimSpace(req.Format)
		if format == "" {
			format = jobs.FormatPDF
		}
		if format != jobs.FormatPDF {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "format には pdf のみ指定できます。",
			})
			return
		}

		record := &jobs.Record{
			ID:        uuid.NewString(),
			UserID:    userID,
			ProjectID: req.ProjectID,
			Format:    format,
		}
		if err := store.Create(c.Request.Context(), record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternal,
				"message": "ジョブの作成に失敗しました。",
			})
			return
		}
		if err := scheduler.Schedule(c.Request.Context(), record.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternal,
				"message": "ジョブの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": record.ID})
	}
}

// StatusHandler は GET /api/exports/:id のハンドラーを返します。
func StatusHandler(store JobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := loadOwnedJob(c, store)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// RetryHandler は POST /api/exports/:id/retry のハンドラーを返します。
// failed のジョブを queued に戻し、再試行タスクを投入します。これが
// ジョブを queued に戻す唯一の経路です。
func RetryHandler(store JobRequeuer, scheduler JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := loadOwnedJob(c, store)
		if !ok {
			return
		}

		if err := store.Requeue(c.Request.Context(), record.ID); err != nil {
			if errors.Is(err, jobs.ErrNotRequeueable) {
				c.JSON(http.StatusConflict, gin.H{
					"code":    "NOT_RETRYABLE",
					"message": "failed 状態のジョブのみ再試行できます。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternal,
				"message": "ジョブの再キューに失敗しました。",
			})
			return
		}
		if err := scheduler.ScheduleRetry(c.Request.Context(), record.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    CodeInternal,
				"message": "再試行タスクの投入に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"jobId": record.ID})
	}
}

// DownloadHandler は GET /api/exports/:id/download のハンドラーを返します。
func DownloadHandler(store JobReader, objects storage.ObjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := loadOwnedJob(c, store)
		if !ok {
			return
		}
		if record.Status != jobs.StatusCompleted || record.Output == nil {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_COMPLETED",
				"message": "ジョブがまだ完了していません。",
			})
			return
		}

		data, contentType, err := objects.Load(c.Request.Context(), record.Output.StoragePath)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_RESULT_NOT_FOUND",
				"message": "ジョブの成果物が見つかりませんでした。",
			})
			return
		}

		c.Header("Content-Disposition", `attachment; filename="export.pdf"`)
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", record.ID)
		c.Data(http.StatusOK, contentType, data)
	}
}

func loadOwnedJob(c *gin.Context, store JobReader) (*jobs.Record, bool) {
	userID := userIDFrom(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    CodeInvalidInput,
			"message": "ユーザーIDが特定できません。",
		})
		return nil, false
	}

	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return nil, false
	}

	record, err := store.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return nil, false
	}
	if record == nil || record.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, false
	}
	return record, true
}

func userIDFrom(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(UserIDHeader))
}

// limiterIdleTTL はこの時間アクセスのないユーザーのリミッターを破棄します。
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiters はユーザーごとのレートリミッターを保持します。
// 放置されたエントリーは定期的に回収し、任意のユーザーIDを使った
// スキャンでマップが際限なく育たないようにします。
type userLimiters struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*limiterEntry
	nextSweep time.Time
	now       func() time.Time
}

func newUserLimiters(perMinute int) *userLimiters {
	return &userLimiters{
		perMinute: perMinute,
		entries:   make(map[string]*limiterEntry),
		now:       time.Now,
	}
}

func (l *userLimiters) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.nextSweep) {
		for id, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.entries, id)
			}
		}
		l.nextSweep = now.Add(time.Minute)
	}

	entry, ok := l.entries[userID]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.entries[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// RateLimitMiddleware はユーザーごとのエクスポート作成レートを制限します。
func RateLimitMiddleware(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limiters := newUserLimiters(perMinute)

	return func(c *gin.Context) {
		userID := userIDFrom(c)
		if userID == "" {
			c.Next()
			return
		}

		if !limiters.allow(userID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。しばらく待ってから再実行してください。",
			})
			return
		}
		c.Next()
	}
}
