package pdf

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

// RunHooks はジョブ実行中の通知先です。いずれも nil 可。
type RunHooks struct {
	Progress ProgressReporter
	// Log は利用者向けの進行ログです。処理中のファイルから並行して呼ばれます。
	Log func(message string)
}

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

func (h RunHooks) log(message string) {
	if h.Log != nil {
		h.Log(message)
	}
}
