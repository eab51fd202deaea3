// Package auth はログイン・セッション・CSRF 保護を提供します。
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paper-burner/internal/config"
)

// Manager はログイン処理とセッション検証をまとめます。
type Manager struct {
	cfg   *config.Config
	guard *lockout
}

// NewManager は認証マネージャーを作成します。
// cfg.AuthEnabled() が false の場合、RequireLogin と VerifyCSRF は何も検証しません。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:   cfg,
		guard: newLockout(),
	}
}

type credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。成功するとセッションを開始し、CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください")
		return
	}
	if missing := m.missingSettings(); len(missing) > 0 {
		reject(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION",
			strings.Join(missing, ", ")+" が設定されていません")
		return
	}

	ip := c.ClientIP()
	if wait := m.guard.retryAfter(ip); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		reject(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください")
		return
	}

	if !m.matches(req) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": m.guard.fail(ip),
		})
		return
	}
	m.guard.clear(ip)

	token, err := startSession(sessions.Default(c), m.cfg.AppUsername)
	if err != nil {
		reject(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションを開始できませんでした")
		return
	}
	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。記憶した API キーも一緒に消えます。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		reject(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました")
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は /auth/session のハンドラーです。ログイン状態と認証の要否を返します。
func (m *Manager) Session(c *gin.Context) {
	if !m.cfg.AuthEnabled() {
		c.JSON(http.StatusOK, gin.H{"authRequired": false, "authenticated": true})
		return
	}
	session := sessions.Default(c)
	user, _ := session.Get(sessionKeyUser).(string)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && user != "" {
		c.Header(csrfHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{"authRequired": true, "authenticated": user != ""})
}

func (m *Manager) missingSettings() []string {
	var missing []string
	for _, s := range []struct{ name, value string }{
		{"APP_USERNAME", m.cfg.AppUsername},
		{"APP_PASSWORD_HASH", m.cfg.AppPasswordHash},
		{"SESSION_SECRET", m.cfg.SessionSecret},
	} {
		if s.value == "" {
			missing = append(missing, s.name)
		}
	}
	return missing
}

// matches はユーザー名が違っていても bcrypt の比較まで行います。
func (m *Manager) matches(req credentials) bool {
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(m.cfg.AppUsername)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(req.Password)) == nil
	return userOK && passOK
}

func reject(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
