package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/config"
	"github.com/yourusername/paper-burner/internal/jobs"
	"github.com/yourusername/paper-burner/internal/pdf"
)

const sweepInterval = 5 * time.Minute

type batchJobScheduler struct {
	manager *jobs.Manager
}

func (s *batchJobScheduler) Schedule(ctx context.Context, jobID string) error {
	_, err := s.manager.Enqueue(ctx, jobID)
	return err
}

func setupJobs(cfg *config.Config, redisClient *redis.Client, pdfService *pdf.Service, logger *zap.Logger) (*jobs.Manager, error) {
	store := jobs.NewStore(redisClient, cfg.JobTTL())
	return jobs.NewManager(cfg, pdfService, store, logger)
}

// sweepPeriodically はキューを使わない構成で期限切れの作業ディレクトリを掃除します。
func sweepPeriodically(ctx context.Context, svc *pdf.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepExpired(); err != nil {
				logger.Warn("workspace sweep failed", zap.Error(err))
			}
		}
	}
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("id")
	if strings.TrimSpace(jobID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

// jobLogsHandler は実行ログを返します。?from=N で N 行目以降だけを返します。
func jobLogsHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		var from int64
		if v := c.Query("from"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "from は0以上の整数で指定してください。",
				})
				return
			}
			from = n
		}

		entries, err := manager.GetLogs(c.Request.Context(), jobID, from)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブのログ取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":   jobID,
			"from":    from,
			"next":    from + int64(len(entries)),
			"entries": entries,
		})
	}
}

func jobDownloadHandler(pdfService *pdf.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}

		result, file, err := pdfService.OpenResultFile(jobID)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		const contentType = "application/zip"
		encodedName := url.PathEscape(result.OutputFilename)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.OutputSize, contentType, file, nil)
	}
}
