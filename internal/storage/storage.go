// Package storage は成果物ストレージの抽象化レイヤーを提供します。
package storage

import "context"

// ObjectStore は成果物の保存と取得を提供します。
// 本番環境ではGCS等のオブジェクトストレージ、開発環境ではローカル
// ファイルシステム実装を利用する想定です。
type ObjectStore interface {
	Save(ctx context.Context, path string, data []byte, contentType string) error
	Load(ctx context.Context, path string) ([]byte, string, error)
	Exists(ctx context.Context, path string) bool
}
