package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paper-burner/internal/config"
)

func newRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(cfg)
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	router.POST("/login", m.Login)
	router.GET("/session", m.Session)

	protected := router.Group("/api", m.RequireLogin(), m.VerifyCSRF())
	protected.POST("/keys", func(c *gin.Context) {
		var keys SessionKeys
		require.NoError(t, keys.RememberKeys(c, c.PostForm("ocr"), c.PostForm("tr")))
		c.Status(http.StatusNoContent)
	})
	protected.GET("/keys", func(c *gin.Context) {
		ocrKeys, trKeys := SessionKeys{}.RememberedKeys(c)
		c.JSON(http.StatusOK, gin.H{"ocr": ocrKeys, "tr": trKeys})
	})
	return router
}

func do(router *gin.Engine, req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// latestCookies は同じ名前の Set-Cookie が複数ある場合に最後のものだけを残します。
func latestCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	byName := map[string]*http.Cookie{}
	var order []string
	for _, ck := range rec.Result().Cookies() {
		if _, ok := byName[ck.Name]; !ok {
			order = append(order, ck.Name)
		}
		byName[ck.Name] = ck
	}
	out := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	router := newRouter(t, &config.Config{})

	rec := do(router, httptest.NewRequest(http.MethodGet, "/api/keys", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, httptest.NewRequest(http.MethodGet, "/session", nil), nil)
	assert.JSONEq(t, `{"authRequired":false,"authenticated":true}`, rec.Body.String())
}

func TestRequireLoginRejectsAnonymous(t *testing.T) {
	router := newRouter(t, &config.Config{AppUsername: "admin", AppPasswordHash: "x"})

	rec := do(router, httptest.NewRequest(http.MethodGet, "/api/keys", nil), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginCSRFAndRememberedKeys(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	require.NoError(t, err)
	router := newRouter(t, &config.Config{
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "test-secret",
	})

	login := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"username":"admin","password":"pass"}`))
	login.Header.Set("Content-Type", "application/json")
	rec := do(router, login, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	token := rec.Header().Get(csrfHeader)
	require.NotEmpty(t, token)
	cookies := latestCookies(rec)

	save := func(csrf string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/keys", bytes.NewBufferString("ocr=k1&tr=t1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(csrfHeader, csrf)
		return do(router, req, cookies)
	}

	assert.Equal(t, http.StatusForbidden, save("wrong").Code)

	rec = save(token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies = latestCookies(rec)

	rec = do(router, httptest.NewRequest(http.MethodGet, "/api/keys", nil), cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ocr":"k1","tr":"t1"}`, rec.Body.String())
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	require.NoError(t, err)
	router := newRouter(t, &config.Config{AppUsername: "admin", AppPasswordHash: string(hash), SessionSecret: "s"})

	var last int
	for i := 0; i < maxLoginAttempts+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"username":"admin","password":"nope"}`))
		req.Header.Set("Content-Type", "application/json")
		last = do(router, req, nil).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestLoginReportsMissingSettings(t *testing.T) {
	router := newRouter(t, &config.Config{AppUsername: "admin"})

	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"username":"admin","password":"pass"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "APP_PASSWORD_HASH, SESSION_SECRET")
}

func TestLoginWrongUserCountsAsFailure(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	require.NoError(t, err)
	router := newRouter(t, &config.Config{AppUsername: "admin", AppPasswordHash: string(hash), SessionSecret: "s"})

	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"username":"root","password":"pass"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remainingAttempts":4`)
}
