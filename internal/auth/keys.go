package auth

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	sessionKeyOCRKeys         = "ocr_keys"
	sessionKeyTranslationKeys = "translation_keys"
)

// SessionKeys は API キーをセッションに記憶します。
// クッキーに載るため、セッションストアは暗号化鍵付きで作成してください。
type SessionKeys struct{}

// RememberedKeys は記憶済みのキーを返します。
func (SessionKeys) RememberedKeys(c *gin.Context) (string, string) {
	session := sessions.Default(c)
	ocrKeys, _ := session.Get(sessionKeyOCRKeys).(string)
	translationKeys, _ := session.Get(sessionKeyTranslationKeys).(string)
	return ocrKeys, translationKeys
}

// RememberKeys はキーを記憶します。空のキーは記憶を消します。
func (SessionKeys) RememberKeys(c *gin.Context, ocrKeys, translationKeys string) error {
	session := sessions.Default(c)
	set := func(key, value string) {
		if value == "" {
			session.Delete(key)
			return
		}
		session.Set(key, value)
	}
	set(sessionKeyOCRKeys, ocrKeys)
	set(sessionKeyTranslationKeys, translationKeys)
	return session.Save()
}
