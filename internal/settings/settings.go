// Package settings は利用者ごとの処理設定と、その保存先を提供します。
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/paper-burner/internal/batch"
	"github.com/yourusername/paper-burner/internal/chunk"
	"github.com/yourusername/paper-burner/internal/provider"
	"github.com/yourusername/paper-burner/internal/translate"
)

const (
	// TargetCustom は任意の言語名を使うことを表す翻訳先です。
	TargetCustom          = "custom"
	DefaultTargetLanguage = "chinese"
	fallbackCustomName    = "English"

	MinChunkTokens = 500
	MaxChunkTokens = 100000

	defaultKey = "settings:default"
)

// Settings は処理設定です。JSON のキー名は既存の保存データと互換です。
type Settings struct {
	MaxTokensPerChunk        int                   `json:"maxTokensPerChunk"`
	SkipProcessedFiles       bool                  `json:"skipProcessedFiles"`
	TranslationModel         string                `json:"selectedTranslationModel"`
	Concurrency              int                   `json:"concurrencyLevel"`
	TranslationConcurrency   int                   `json:"translationConcurrencyLevel"`
	MaxRetries               int                   `json:"maxRetries"`
	TargetLanguage           string                `json:"targetLanguage"`
	CustomTargetLanguageName string                `json:"customTargetLanguageName"`
	CustomModel              provider.CustomConfig `json:"customModelSettings"`
	SystemPrompt             string                `json:"defaultSystemPrompt"`
	UserPromptTemplate       string                `json:"defaultUserPromptTemplate"`
	UseCustomPrompts         bool                  `json:"useCustomPrompts"`
}

// Default は初期設定です。
func Default() Settings {
	temperature := provider.DefaultTemperature
	return Settings{
		MaxTokensPerChunk:      chunk.DefaultTokenLimit,
		TranslationModel:       provider.None,
		Concurrency:            1,
		TranslationConcurrency: 2,
		MaxRetries:             batch.DefaultMaxRetries,
		TargetLanguage:         DefaultTargetLanguage,
		CustomModel: provider.CustomConfig{
			RequestFormat: provider.FormatOpenAI,
			Temperature:   &temperature,
			MaxTokens:     provider.DefaultMaxTokens,
		},
	}
}

// Normalize は範囲外の数値を丸め、空の項目を既定値で埋めます。
func (s Settings) Normalize() Settings {
	def := Default()
	if s.MaxTokensPerChunk <= 0 {
		s.MaxTokensPerChunk = def.MaxTokensPerChunk
	}
	s.MaxTokensPerChunk = min(max(s.MaxTokensPerChunk, MinChunkTokens), MaxChunkTokens)

	opts := batch.Options{
		FileConcurrency:        s.Concurrency,
		TranslationConcurrency: s.TranslationConcurrency,
		MaxRetries:             s.MaxRetries,
	}.Normalize()
	s.Concurrency = opts.FileConcurrency
	s.TranslationConcurrency = opts.TranslationConcurrency
	s.MaxRetries = opts.MaxRetries

	s.TranslationModel = strings.TrimSpace(s.TranslationModel)
	if s.TranslationModel == "" {
		s.TranslationModel = provider.None
	}
	s.TargetLanguage = strings.TrimSpace(s.TargetLanguage)
	if s.TargetLanguage == "" {
		s.TargetLanguage = DefaultTargetLanguage
	}
	if s.CustomModel.RequestFormat == "" {
		s.CustomModel.RequestFormat = provider.FormatOpenAI
	}
	if s.CustomModel.Temperature == nil {
		s.CustomModel.Temperature = def.CustomModel.Temperature
	}
	if s.CustomModel.MaxTokens <= 0 {
		s.CustomModel.MaxTokens = def.CustomModel.MaxTokens
	}
	return s
}

// EffectiveTargetLanguage はプロンプトに渡す翻訳先の言語名を返します。
func EffectiveTargetLanguage(target, customName string) string {
	if target != TargetCustom {
		return target
	}
	if name := strings.TrimSpace(customName); name != "" {
		return name
	}
	return fallbackCustomName
}

// TranslationConfig は翻訳呼び出しの設定に変換します。
func (s Settings) TranslationConfig() translate.Config {
	cfg := translate.Config{
		Model:          s.TranslationModel,
		TargetLanguage: EffectiveTargetLanguage(s.TargetLanguage, s.CustomTargetLanguageName),
		UseCustom:      s.UseCustomPrompts,
		CustomPrompts: translate.Prompts{
			System:       s.SystemPrompt,
			UserTemplate: s.UserPromptTemplate,
		},
	}
	if s.TranslationModel == provider.Custom {
		custom := s.CustomModel
		cfg.Custom = &custom
	}
	return cfg
}

// BatchOptions はスケジューラーのパラメータに変換します。
func (s Settings) BatchOptions(launchInterval time.Duration) batch.Options {
	return batch.Options{
		FileConcurrency:        s.Concurrency,
		TranslationConcurrency: s.TranslationConcurrency,
		MaxRetries:             s.MaxRetries,
		SkipProcessed:          s.SkipProcessedFiles,
		LaunchInterval:         launchInterval,
	}.Normalize()
}

// Decode は保存済みの JSON を既定値の上に重ねて読み込みます。
// customModelSettings も項目ごとに重ねるため、欠けた項目は既定値のままです。
func Decode(data []byte) (Settings, error) {
	s := Default()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}

// Store は設定の保存先です。
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) (Settings, error)
}

// RedisStore は設定を Redis の1キーに JSON で保存します。
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore は RedisStore を作成します。key が空の場合は既定のキーを使います。
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Load は保存済みの設定を返します。未保存の場合は既定値です。
func (r *RedisStore) Load(ctx context.Context) (Settings, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Default(), nil
		}
		return Default(), err
	}
	return Decode(data)
}

// Save は正規化した設定を保存し、保存した内容を返します。
func (r *RedisStore) Save(ctx context.Context, s Settings) (Settings, error) {
	s = s.Normalize()
	payload, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	return s, r.rdb.Set(ctx, r.key, payload, 0).Err()
}

// MemoryStore はプロセス内だけで保持する Store です。
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Decode(m.data)
}

func (m *MemoryStore) Save(_ context.Context, s Settings) (Settings, error) {
	s = s.Normalize()
	payload, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	m.mu.Lock()
	m.data = payload
	m.mu.Unlock()
	return s, nil
}
