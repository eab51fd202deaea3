// Package logging は zap ロガーの初期化を提供します。
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はレベル文字列からコンソール出力の zap ロガーを作成します。
// 解釈できないレベルは info として扱います。
func New(level string) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		lvl.SetLevel(parsed)
	}

	cfg := &zap.Config{
		Level:    lvl,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}
	return logger
}

// OrNop は nil のロガーを何も出力しないロガーに置き換えます。
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// MaskKey は API キーを末尾4文字だけ残した表示用文字列にします。
func MaskKey(key string) string {
	if key == "" {
		return "N/A"
	}
	r := []rune(key)
	if len(r) <= 4 {
		return "..." + key
	}
	return "..." + string(r[len(r)-4:])
}
