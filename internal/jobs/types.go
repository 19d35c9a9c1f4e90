// Package jobs はエクスポートジョブの状態管理を提供します。
// Record のフィールド名と status/stage の列挙値は既存のクライアント/UIが
// 参照する外部契約であり、変更できません。
package jobs

import "time"

// Status はジョブの粗い実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage はジョブ処理の細かい進捗段階を表します。
type Stage string

const (
	StageQueued      Stage = "queued"
	StageStarting    Stage = "starting"
	StageLoadProject Stage = "load_project"
	StagePrepareData Stage = "prepare_data"
	StageRenderPDF   Stage = "render_pdf"
	StageUpload      Stage = "upload"
	StageFinalize    Stage = "finalize"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// StageProgress は各段階に対応する進捗率のチェックポイント表です。
// 1回の処理試行の中で進捗率が減少することはありません。
var StageProgress = map[Stage]int{
	StageStarting:    5,
	StageLoadProject: 10,
	StagePrepareData: 20,
	StageRenderPDF:   40,
	StageUpload:      70,
	StageFinalize:    90,
	StageCompleted:   100,
	StageFailed:      100,
}

// FormatPDF は現在サポートしている唯一のエクスポート形式です。
const FormatPDF = "pdf"

// MaxAttemptsExceededMessage は試行回数超過時に記録するエラーメッセージです。
const MaxAttemptsExceededMessage = "Max retry attempts exceeded"

// Output はジョブ完了時の成果物情報です。
type Output struct {
	StoragePath string `json:"storagePath"`
	ContentType string `json:"contentType"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Message string `json:"message"`
}

// Record はエクスポートジョブの現在状態を表します。
type Record struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	ProjectID         string     `json:"projectId"`
	Format            string     `json:"format"`
	Status            Status     `json:"status"`
	Stage             Stage      `json:"stage"`
	Progress          int        `json:"progress"`
	Attempts          int        `json:"attempts"`
	ProcessingEventID string     `json:"processingEventId,omitempty"`
	Output            *Output    `json:"output,omitempty"`
	Error             *ErrorInfo `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}
