// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/auth"
	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/config"
	"github.com/yourusername/paper-burner/internal/jobs"
	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/ocr"
	"github.com/yourusername/paper-burner/internal/pdf"
	"github.com/yourusername/paper-burner/internal/pipeline"
	"github.com/yourusername/paper-burner/internal/settings"
	"github.com/yourusername/paper-burner/internal/storage"
	"github.com/yourusername/paper-burner/internal/translate"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal("failed to load config", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定。API キーを記憶するため暗号化鍵も渡す
	authKey, encKey := sessionKeys(cfg.SessionSecret, logger)
	store := cookie.NewStore(authKey, encKey)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

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
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドが CSRF トークンとバッチ結果の概要を読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "X-Job-Id", "X-Batch-Summary", "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer app.close()

	// ルーティングの設定
	setupRoutes(router, cfg, app)

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting API server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode), zap.Bool("async", app.jobs != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}

// application はルーティングに必要な部品をまとめたものです。
type application struct {
	pdfService *pdf.Service
	settings   settings.Store
	jobs       *jobs.Manager
	redis      *redis.Client
	logger     *zap.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{logger: logger}

	workspaces, err := storage.NewLocal(cfg.WorkspaceDir, cfg.JobTTL())
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	ocrClient := ocr.NewClient(
		ocr.WithBaseURL(cfg.OCRBaseURL),
		ocr.WithModel(cfg.OCRModel),
		ocr.WithHTTPClient(httpClient),
	)
	p := pipeline.New(ocrClient, translate.NewClient(httpClient), nil, nil,
		pipeline.WithLogger(logger),
		pipeline.WithSettleDelay(cfg.UploadSettleDelay()),
	)

	var record batch.ProcessedRecord = batch.NewMemoryRecord()
	app.settings = &settings.MemoryStore{}
	if cfg.AsyncJobs {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		app.redis = redis.NewClient(opt)
		record = jobs.NewProcessedRecord(app.redis, "")
		app.settings = settings.NewRedisStore(app.redis, "")
	}

	app.pdfService, err = pdf.NewService(pdf.Config{
		MaxFileSize:    cfg.MaxFileSize,
		MaxFiles:       cfg.MaxFiles,
		LaunchInterval: cfg.LaunchInterval(),
	}, workspaces, p, record, logger)
	if err != nil {
		return nil, err
	}

	if app.redis != nil {
		app.jobs, err = setupJobs(cfg, app.redis, app.pdfService, logger)
		if err != nil {
			return nil, err
		}
		if err := app.jobs.StartWorkers(); err != nil {
			return nil, err
		}
	} else {
		go sweepPeriodically(ctx, app.pdfService, sweepInterval, logger)
	}
	return app, nil
}

func (a *application) close() {
	if a.jobs != nil {
		if err := a.jobs.Shutdown(context.Background()); err != nil {
			a.logger.Warn("job manager shutdown failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// sessionKeys は SESSION_SECRET から署名鍵と暗号化鍵（AES-256）を作ります。
// 未設定の開発環境では起動ごとにランダムな鍵を使います。
func sessionKeys(secret string, logger *zap.Logger) ([]byte, []byte) {
	if secret == "" {
		logger.Warn("SESSION_SECRET is not set; sessions will not survive a restart")
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = string(buf)
	}
	authKey := sha256.Sum256([]byte("auth:" + secret))
	encKey := sha256.Sum256([]byte("enc:" + secret))
	return authKey[:], encKey[:]
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "paper-burner-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.GET("/session", authManager.Session)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			opts := pdf.HandlerOptions{Keys: auth.SessionKeys{}}
			if app.jobs != nil {
				opts.Scheduler = &batchJobScheduler{manager: app.jobs}
			}
			protected.POST("/batches", pdf.BatchHandler(app.pdfService, app.settings, opts))
			protected.GET("/settings", pdf.GetSettingsHandler(app.settings))
			protected.PUT("/settings", pdf.PutSettingsHandler(app.settings))

			if app.jobs != nil {
				protected.GET("/jobs/:id", jobStatusHandler(app.jobs))
				protected.GET("/jobs/:id/logs", jobLogsHandler(app.jobs))
				protected.GET("/jobs/:id/download", jobDownloadHandler(app.pdfService))
			}
		}
	}
}
