// Package store はプロジェクトとユーザー定義祝日のデータストアを提供します。
// エクスポートパイプラインからは読み取り専用のコラボレーターとして扱われます。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/yourusername/calendar-forge/internal/holiday"
)

// ErrProjectNotFound は参照先プロジェクトが存在しない場合のエラーです。
var ErrProjectNotFound = errors.New("project not found")

// ProjectConfig はプロジェクトに保存された描画設定です。
type ProjectConfig struct {
	Year               int    `json:"year"`
	CurrentMonth       int    `json:"currentMonth"`
	StartDay           int    `json:"startDay"`
	Country            string `json:"country,omitempty"`
	Language           string `json:"language,omitempty"`
	ShowHolidays       bool   `json:"showHolidays,omitempty"`
	ShowCustomHolidays bool   `json:"showCustomHolidays,omitempty"`
}

// Project はカレンダープロジェクトを表します。
type Project struct {
	ID     string
	UserID string
	Name   string
	Config ProjectConfig
}

// SQLite は SQLite ベースのデータストアです。
type SQLite struct {
	db *sql.DB
}

// Open はデータベースを開き、必要なテーブルを作成します。
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL,
  config_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS custom_holidays (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  date TEXT NOT NULL,
  name TEXT NOT NULL,
  color TEXT,
  recurrence_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_custom_holidays_user ON custom_holidays(user_id);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close はデータベース接続を閉じます。
func (s *SQLite) Close() error { return s.db.Close() }

// GetProject はプロジェクトを取得します。存在しない場合は ErrProjectNotFound を返します。
func (s *SQLite) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, config_json FROM projects WHERE id = ?`, projectID,
	)

	var (
		id, userID, name, configJSON string
	)
	if err := row.Scan(&id, &userID, &name, &configJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}

	project := &Project{ID: id, UserID: userID, Name: name}
	if err := json.Unmarshal([]byte(configJSON), &project.Config); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %w", err)
	}
	return project, nil
}

// PutProject はプロジェクトを保存します（存在する場合は置き換え）。
func (s *SQLite) PutProject(ctx context.Context, project *Project) error {
	if project == nil {
		return fmt.Errorf("project is nil")
	}
	configJSON, err := json.Marshal(project.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, name, config_json) VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, name=excluded.name, config_json=excluded.config_json`,
		project.ID, project.UserID, project.Name, string(configJSON),
	)
	return err
}

// ListForUser はユーザーの祝日レコードを返します。
func (s *SQLite) ListForUser(ctx context.Context, userID string) ([]holiday.CustomRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, name, color, recurrence_json FROM custom_holidays WHERE user_id = ? ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []holiday.CustomRecord
	for rows.Next() {
		var (
			date, name     string
			color          sql.NullString
			recurrenceJSON sql.NullString
		)
		if err := rows.Scan(&date, &name, &color, &recurrenceJSON); err != nil {
			return nil, err
		}
		record := holiday.CustomRecord{Date: date, Name: name}
		if color.Valid {
			record.Color = color.String
		}
		if recurrenceJSON.Valid && recurrenceJSON.String != "" {
			var recurrence holiday.Recurrence
			if err := json.Unmarshal([]byte(recurrenceJSON.String), &recurrence); err == nil {
				record.Recurrence = &recurrence
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// AddCustomHoliday はユーザーの祝日レコードを追加します。
func (s *SQLite) AddCustomHoliday(ctx context.Context, userID string, record holiday.CustomRecord) error {
	var recurrenceJSON any
	if record.Recurrence != nil {
		raw, err := json.Marshal(record.Recurrence)
		if err != nil {
			return err
		}
		recurrenceJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_holidays (user_id, date, name, color, recurrence_json) VALUES (?, ?, ?, ?, ?)`,
		userID, record.Date, record.Name, nullableString(record.Color), recurrenceJSON,
	)
	return err
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
