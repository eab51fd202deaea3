// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名（空の場合はログイン不要）
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zap のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64  // 単一ファイルの最大サイズ（バイト）
	MaxFiles         int    // 1バッチの最大ファイル数
	JobExpireMinutes int    // ジョブと作業ディレクトリの有効期限（分）
	WorkspaceDir     string // 作業ディレクトリの置き場所

	// ジョブ/キュー設定
	AsyncJobs        bool   // false の場合はリクエスト内で同期的に処理する
	QueueRedisURL    string // Asynq用Redis接続URL
	JobResultBaseURL string // 結果ファイル取得用のベースURL

	// OCR/翻訳設定
	OCRBaseURL         string // OCR API のベースURL
	OCRModel           string // OCR モデル名
	HTTPTimeoutSeconds int    // 外部 API 呼び出しのタイムアウト（秒）
	UploadSettleMillis int    // アップロード後、署名URL取得までの待ち時間（ミリ秒）
	LaunchIntervalMS   int    // ファイル処理を開始する最小間隔（ミリ秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		MaxFiles:         getEnvAsInt("MAX_FILES", 50),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 30),
		WorkspaceDir:     getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "paper-burner")),

		// ジョブ/キュー設定
		AsyncJobs:        getEnvAsBool("ASYNC_JOBS", true),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobResultBaseURL: getEnv("JOB_RESULT_BASE_URL", ""),

		// OCR/翻訳設定
		OCRBaseURL:         getEnv("OCR_BASE_URL", "https://api.mistral.ai/v1"),
		OCRModel:           getEnv("OCR_MODEL", "mistral-ocr-latest"),
		HTTPTimeoutSeconds: getEnvAsInt("HTTP_TIMEOUT_SECONDS", 300),
		UploadSettleMillis: getEnvAsInt("UPLOAD_SETTLE_MS", 1000),
		LaunchIntervalMS:   getEnvAsInt("LAUNCH_INTERVAL_MS", 100),
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
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR is required")
	}
	if c.OCRBaseURL == "" {
		return fmt.Errorf("OCR_BASE_URL is required")
	}
	if c.AsyncJobs && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required when ASYNC_JOBS is enabled")
	}
	if c.AuthEnabled() {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required when authentication is enabled")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when authentication is enabled")
		}
	}
	// セッションはキーの記憶にも使うため、本番では署名鍵を必須にする
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}
	return nil
}

// AuthEnabled はログインが必要かどうかを返します。
// ローカル開発で APP_USERNAME が空の場合だけ認証を省略します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" || c.GinMode == "release"
}

// JobTTL はジョブ情報と作業ディレクトリの有効期限です。
func (c *Config) JobTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// HTTPTimeout は外部 API 呼び出しのタイムアウトです。
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(max(c.HTTPTimeoutSeconds, 1)) * time.Second
}

// UploadSettleDelay はアップロード直後の待ち時間です。
func (c *Config) UploadSettleDelay() time.Duration {
	return time.Duration(max(c.UploadSettleMillis, 0)) * time.Millisecond
}

// LaunchInterval はファイル処理を開始する最小間隔です。
func (c *Config) LaunchInterval() time.Duration {
	return time.Duration(max(c.LaunchIntervalMS, 0)) * time.Millisecond
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
