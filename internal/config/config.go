// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL
	JobMaxAttempts    int    // ジョブの最大試行回数（1〜10にクランプ）
	StaleJobMinutes   int    // running のまま放置されたジョブを再キューするまでの分数
	WorkerConcurrency int    // ワーカーの同時実行数

	// データストア設定
	DatabasePath string // SQLiteデータベースファイルのパス
	StorageRoot  string // 成果物を保存するローカルストレージのルート

	// レート制限
	ExportRatePerMinute int // ユーザーごとのエクスポート作成レート（毎分）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobMaxAttempts:    getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		StaleJobMinutes:   getEnvAsInt("STALE_JOB_MINUTES", 15),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// データストア設定
		DatabasePath: getEnv("DATABASE_PATH", "calendar-forge.db"),
		StorageRoot:  getEnv("STORAGE_ROOT", filepath.Join(os.TempDir(), "calendar-forge")),

		// レート制限
		ExportRatePerMinute: getEnvAsInt("EXPORT_RATE_PER_MINUTE", 10),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では既定値で動作する
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required in release mode")
		}
		if c.StorageRoot == "" {
			return fmt.Errorf("STORAGE_ROOT is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
