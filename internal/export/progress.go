package export

import "github.com/yourusername/calendar-forge/internal/jobs"

// ProgressReporter は段階の完了を通知するコールバックです。
// 通知は観測用のベストエフォート書き込みに使われ、処理の正しさには
// 関与しません。
type ProgressReporter func(stage jobs.Stage)

func reportStage(cb ProgressReporter, stage jobs.Stage) {
	if cb == nil {
		return
	}
	cb(stage)
}
