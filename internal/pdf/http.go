package pdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/settings"
)

// JobRunner はジョブを実行できるサービスが実装します。
type JobRunner interface {
	RunJob(ctx context.Context, jobID string, hooks RunHooks) (*Result, error)
	DiscardJob(jobID string) error
}

// BatchService はバッチジョブの準備と実行を提供します。
type BatchService interface {
	JobRunner
	PrepareBatchJob(ctx context.Context, files []*multipart.FileHeader, req BatchRequest) (*JobManifest, error)
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// KeyMemory はセッションに API キーを覚えておくためのインターフェースです。
type KeyMemory interface {
	RememberedKeys(c *gin.Context) (ocrKeys, translationKeys string)
	RememberKeys(c *gin.Context, ocrKeys, translationKeys string) error
}

// HandlerOptions はハンドラーの動作を切り替える設定です。
type HandlerOptions struct {
	// Scheduler が nil の場合はリクエスト内で同期的に処理し、ZIP をそのまま返します。
	Scheduler JobScheduler
	Keys      KeyMemory
}

// BatchHandler は POST /api/batches のハンドラーを返します。
// フォームで指定されなかった項目は保存済みの設定で補います。
func BatchHandler(svc BatchService, store settings.Store, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "アップロードされたPDFファイルが見つかりません。",
			})
			return
		}

		base := settings.Default()
		if store != nil {
			if loaded, err := store.Load(c.Request.Context()); err == nil {
				base = loaded
			}
		}
		req, err := parseBatchRequest(c, base)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if opts.Keys != nil {
			ocrKeys, trKeys := opts.Keys.RememberedKeys(c)
			if strings.TrimSpace(req.OCRKeys) == "" {
				req.OCRKeys = ocrKeys
			}
			if strings.TrimSpace(req.TranslationKeys) == "" {
				req.TranslationKeys = trKeys
			}
		}

		manifest, err := svc.PrepareBatchJob(c.Request.Context(), files, req)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if opts.Keys != nil && formBool(c, "rememberKeys") {
			if err := opts.Keys.RememberKeys(c, req.OCRKeys, req.TranslationKeys); err != nil {
				_ = svc.DiscardJob(manifest.JobID)
				respondWithError(c, err)
				return
			}
		}

		if opts.Scheduler != nil {
			if err := opts.Scheduler.Schedule(c.Request.Context(), manifest.JobID); err != nil {
				if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
					err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
				}
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"jobId":   manifest.JobID,
				"files":   len(manifest.Files),
				"ignored": manifest.Ignored,
			})
			return
		}

		result, err := svc.RunJob(c.Request.Context(), manifest.JobID, RunHooks{})
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer result.Cleanup()

		if result.Meta != nil {
			if summary, err := json.Marshal(result.Meta.Summary); err == nil {
				c.Header("X-Batch-Summary", string(summary))
			}
		}
		if err := streamResult(c, result, "処理結果の読み込みに失敗しました"); err != nil {
			respondWithError(c, err)
		}
	}
}

// GetSettingsHandler は GET /api/settings のハンドラーを返します。
func GetSettingsHandler(store settings.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := store.Load(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"settings": s,
			"models":   append([]string{provider.None}, append(provider.Names(), provider.Custom)...),
		})
	}
}

// PutSettingsHandler は PUT /api/settings のハンドラーを返します。
func PutSettingsHandler(store settings.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		current, err := store.Load(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		// 送られてきた項目だけを現在の設定に重ねる
		if err := c.ShouldBindJSON(&current); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "設定は JSON で送信してください。",
			})
			return
		}
		saved, err := store.Save(c.Request.Context(), current)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"settings": saved})
	}
}

// parseBatchRequest はフォームの値を base に重ねて BatchRequest を作ります。
func parseBatchRequest(c *gin.Context, base settings.Settings) (BatchRequest, error) {
	s := base
	req := BatchRequest{
		OCRKeys:         c.PostForm("ocrKeys"),
		TranslationKeys: c.PostForm("translationKeys"),
	}

	setString := func(field string, dst *string) {
		if v, ok := c.GetPostForm(field); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("model", &s.TranslationModel)
	setString("targetLanguage", &s.TargetLanguage)
	setString("customTargetLanguage", &s.CustomTargetLanguageName)
	setString("customEndpoint", &s.CustomModel.Endpoint)
	setString("customModelId", &s.CustomModel.ModelID)
	if v, ok := c.GetPostForm("customRequestFormat"); ok && strings.TrimSpace(v) != "" {
		s.CustomModel.RequestFormat = provider.Format(strings.TrimSpace(v))
	}

	ints := []struct {
		field string
		label string
		dst   *int
	}{
		{"maxTokensPerChunk", "チャンクの最大トークン数", &s.MaxTokensPerChunk},
		{"concurrency", "ファイル並列数", &s.Concurrency},
		{"translationConcurrency", "翻訳並列数", &s.TranslationConcurrency},
		{"maxRetries", "最大再試行回数", &s.MaxRetries},
		{"customMaxTokens", "カスタムモデルの最大トークン数", &s.CustomModel.MaxTokens},
	}
	for _, f := range ints {
		v, ok := c.GetPostForm(f.field)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return req, newError(CodeInvalidInput, f.label+"は整数で指定してください。", err)
		}
		*f.dst = n
	}

	if v, ok := c.GetPostForm("customTemperature"); ok && strings.TrimSpace(v) != "" {
		t, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return req, newError(CodeInvalidInput, "カスタムモデルの temperature は数値で指定してください。", err)
		}
		s.CustomModel.Temperature = &t
	}

	if _, ok := c.GetPostForm("skipProcessed"); ok {
		s.SkipProcessedFiles = formBool(c, "skipProcessed")
	}
	if _, ok := c.GetPostForm("useCustomPrompts"); ok {
		s.UseCustomPrompts = formBool(c, "useCustomPrompts")
	}
	if v, ok := c.GetPostForm("systemPrompt"); ok {
		s.SystemPrompt = v
	}
	if v, ok := c.GetPostForm("userPromptTemplate"); ok {
		s.UserPromptTemplate = v
	}

	req.Settings = s.Normalize()
	return req, nil
}

func formBool(c *gin.Context, field string) bool {
	switch strings.ToLower(strings.TrimSpace(c.PostForm(field))) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case CodeLimitExceeded:
			status = http.StatusRequestEntityTooLarge
		case CodeBatchRunning:
			status = http.StatusConflict
		case CodeNoResults:
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func streamResult(c *gin.Context, result *Result, readErrMsg string) error {
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return fmt.Errorf("%s: %w", readErrMsg, err)
	}
	defer file.Close()

	const contentType = "application/zip"
	encodedName := url.PathEscape(result.OutputFilename)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
	c.DataFromReader(http.StatusOK, result.OutputSize, contentType, file, nil)
	return nil
}
