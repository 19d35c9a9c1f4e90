// Package export はエクスポートパイプラインのオーケストレーションを提供します。
package export

import "fmt"

// エラーコード一覧。
const (
	CodeProjectNotFound   = "PROJECT_NOT_FOUND"
	CodeOwnershipMismatch = "OWNERSHIP_MISMATCH"
	CodeRenderFailed      = "RENDER_FAILED"
	CodeUploadFailed      = "UPLOAD_FAILED"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error はパイプライン処理のエラーを表します。
// Message はジョブレコードの error.message にそのまま記録されます。
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error は error インターフェースを実装します。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は内包するエラーを返します。
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
