package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore はローカルファイルシステム上の ObjectStore 実装です。
// 保存先は <root>/<path> で、コンテンツタイプは併置した
// メタデータファイルに記録します。
type LocalStore struct {
	root string
}

type objectMeta struct {
	ContentType string `json:"contentType"`
}

// NewLocalStore は LocalStore を作成します。
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Save はバイト列を保存します。
func (s *LocalStore) Save(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := s.absPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}

	meta, err := json.Marshal(objectMeta{ContentType: contentType})
	if err != nil {
		return err
	}
	return os.WriteFile(abs+".meta.json", meta, 0o640)
}

// Load は保存済みオブジェクトとそのコンテンツタイプを返します。
func (s *LocalStore) Load(ctx context.Context, path string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	abs, err := s.absPath(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if raw, err := os.ReadFile(abs + ".meta.json"); err == nil {
		var meta objectMeta
		if err := json.Unmarshal(raw, &meta); err == nil && meta.ContentType != "" {
			contentType = meta.ContentType
		}
	}
	return data, contentType, nil
}

// Exists はオブジェクトの存在有無を返します。
func (s *LocalStore) Exists(ctx context.Context, path string) bool {
	abs, err := s.absPath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// absPath は保存パスをルート配下の絶対パスに解決します。
// `..` などでルートの外に出るパスはエラーになります。
func (s *LocalStore) absPath(path string) (string, error) {
	abs := filepath.Join(s.root, path)
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path: %s", path)
	}
	return abs, nil
}
