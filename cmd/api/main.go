// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/calendar-forge/internal/config"
	"github.com/yourusername/calendar-forge/internal/export"
	"github.com/yourusername/calendar-forge/internal/holiday"
	"github.com/yourusername/calendar-forge/internal/jobs"
	"github.com/yourusername/calendar-forge/internal/queue"
	"github.com/yourusername/calendar-forge/internal/render"
	"github.com/yourusername/calendar-forge/internal/storage"
	"github.com/yourusername/calendar-forge/internal/store"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[calendar-forge] ", log.LstdFlags)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// ジョブレコード用のRedisクライアント
	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	// プロジェクトとカスタム祝日のデータベース
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// 成果物の保存先
	objects, err := storage.NewLocalStore(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("Failed to prepare storage root: %v", err)
	}

	// ジョブストアとクレームコーディネーター
	jobStore := jobs.NewStore(rdb)
	coordinator := jobs.NewCoordinator(jobStore, cfg.JobMaxAttempts, logger)

	// エクスポートサービスの組み立て
	public := holiday.NewPublicResolver(logger)
	custom := holiday.NewCustomResolver(db, logger)
	renderer := render.NewRenderer(logger)
	exporter, err := export.NewService(db, public, custom, renderer, objects, logger)
	if err != nil {
		log.Fatalf("Failed to build export service: %v", err)
	}

	// 非同期キューの起動
	manager, err := queue.NewManager(cfg.QueueRedisURL, cfg.WorkerConcurrency, jobStore, coordinator, exporter, logger)
	if err != nil {
		log.Fatalf("Failed to build queue manager: %v", err)
	}
	manager.StartWorkers()

	// 放置ジョブの掃除役
	sweeper := queue.NewSweeper(jobStore, manager, time.Duration(cfg.StaleJobMinutes)*time.Minute, logger)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		export.UserIDHeader,
	}
	corsConfig.ExposeHeaders = []string{"X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, jobStore, manager, objects)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// シグナルを受けたらワーカーとサーバーを順に止める
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("Failed to shut down workers: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Failed to shut down server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "calendar-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	jobStore *jobs.Store,
	scheduler export.JobScheduler,
	objects storage.ObjectStore,
) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		exports := api.Group("/exports")
		{
			exports.POST("",
				export.RateLimitMiddleware(cfg.ExportRatePerMinute),
				export.CreateHandler(jobStore, scheduler),
			)
			exports.GET("/:id", export.StatusHandler(jobStore))
			exports.POST("/:id/retry", export.RetryHandler(jobStore, scheduler))
			exports.GET("/:id/download", export.DownloadHandler(jobStore, objects))
		}
	}
}
