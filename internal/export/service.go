package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/calendar-forge/internal/calendar"
	"github.com/yourusername/calendar-forge/internal/holiday"
	"github.com/yourusername/calendar-forge/internal/jobs"
	"github.com/yourusername/calendar-forge/internal/render"
	"github.com/yourusername/calendar-forge/internal/storage"
	"github.com/yourusername/calendar-forge/internal/store"
)

// ProjectStore はプロジェクトの読み取りを提供します。
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*store.Project, error)
}

// PublicHolidayResolver は公開祝日マーカーを解決します。
type PublicHolidayResolver interface {
	Resolve(country string, year, month int) holiday.Markers
}

// CustomHolidayResolver はユーザー定義祝日マーカーを解決します。
type CustomHolidayResolver interface {
	Resolve(ctx context.Context, userID string, year, month int) holiday.Markers
}

// Renderer はカレンダーページをPDFへ描画します。
type Renderer interface {
	Render(page render.Page) ([]byte, error)
}

// Result はエクスポート処理の成果を表します。
type Result struct {
	StoragePath string
	ContentType string
	Size        int
}

// Service はクレーム済みジョブを load → prepare → render → upload →
// finalize の順に処理するオーケストレーターです。分岐は失敗時のみで、
// 各段階の失敗は試行全体を打ち切ります。
type Service struct {
	projects ProjectStore
	public   PublicHolidayResolver
	custom   CustomHolidayResolver
	renderer Renderer
	objects  storage.ObjectStore
	logger   *log.Logger
	now      func() time.Time
}

// NewService は Service を作成します。
func NewService(
	projects ProjectStore,
	public PublicHolidayResolver,
	custom CustomHolidayResolver,
	renderer Renderer,
	objects storage.ObjectStore,
	logger *log.Logger,
) (*Service, error) {
	if projects == nil {
		return nil, errors.New("projects is nil")
	}
	if renderer == nil {
		return nil, errors.New("renderer is nil")
	}
	if objects == nil {
		return nil, errors.New("objects is nil")
	}
	return &Service{
		projects: projects,
		public:   public,
		custom:   custom,
		renderer: renderer,
		objects:  objects,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run はクレーム済みジョブを最後まで処理し、成果物情報を返します。
// いずれかの段階で失敗した場合はエラーを返し、部分的な再実行は行いません。
func (s *Service) Run(ctx context.Context, job *jobs.Record, report ProgressReporter) (*Result, error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}

	// load_project
	reportStage(report, jobs.StageLoadProject)
	project, err := s.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return nil, newError(CodeProjectNotFound, fmt.Sprintf("project not found: %s", job.ProjectID), err)
		}
		return nil, err
	}
	if project.UserID != job.UserID {
		return nil, newError(CodeOwnershipMismatch, "project is owned by a different user", nil)
	}

	// prepare_data
	reportStage(report, jobs.StagePrepareData)
	cfg := normalizeConfig(project.Config, s.now())

	markers := make(holiday.Markers)
	if cfg.ShowHolidays && s.public != nil {
		markers = s.public.Resolve(cfg.Country, cfg.Year, cfg.CurrentMonth)
	}
	if cfg.ShowCustomHolidays && s.custom != nil {
		custom := s.custom.Resolve(ctx, job.UserID, cfg.Year, cfg.CurrentMonth)
		markers = holiday.Merge(markers, custom)
	}
	grid := calendar.BuildGrid(cfg.Year, cfg.CurrentMonth, cfg.StartDay)

	// render_pdf
	reportStage(report, jobs.StageRenderPDF)
	page := render.Page{
		Title:    project.Name,
		Year:     cfg.Year,
		Month:    cfg.CurrentMonth,
		StartDay: cfg.StartDay,
		Language: cfg.Language,
		MetaLines: []string{
			fmt.Sprintf("Project: %s", project.ID),
			fmt.Sprintf("User: %s", job.UserID),
			fmt.Sprintf("Generated: %s", s.now().Format(time.RFC3339)),
		},
		Grid:     grid,
		Holidays: markers,
	}
	data, err := s.renderer.Render(page)
	if err != nil {
		return nil, newError(CodeRenderFailed, fmt.Sprintf("failed to render document: %v", err), err)
	}

	// upload
	reportStage(report, jobs.StageUpload)
	contentType := mimetype.Detect(data).String()
	storagePath := fmt.Sprintf("exports/%s/%s/export.%s", job.UserID, job.ID, formatExtension(job.Format))
	if err := s.objects.Save(ctx, storagePath, data, contentType); err != nil {
		return nil, newError(CodeUploadFailed, fmt.Sprintf("failed to store document: %v", err), err)
	}

	// finalize
	reportStage(report, jobs.StageFinalize)
	return &Result{
		StoragePath: storagePath,
		ContentType: contentType,
		Size:        len(data),
	}, nil
}

// FailureMessage はオーケストレーション中のエラーから、ジョブレコードの
// error.message に記録する文字列を取り出します。
func FailureMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// normalizeConfig は保存された描画設定を安全な範囲に丸めます。
// 月は1〜12、週開始曜日は0〜6にクランプし、年が未設定の場合は現在年を
// 使用します。
func normalizeConfig(cfg store.ProjectConfig, now time.Time) store.ProjectConfig {
	if cfg.Year <= 0 {
		cfg.Year = now.Year()
	}
	if cfg.CurrentMonth < 1 {
		cfg.CurrentMonth = 1
	}
	if cfg.CurrentMonth > 12 {
		cfg.CurrentMonth = 12
	}
	if cfg.StartDay < 0 {
		cfg.StartDay = 0
	}
	if cfg.StartDay > 6 {
		cfg.StartDay = 6
	}
	return cfg
}

func formatExtension(format string) string {
	switch format {
	case jobs.FormatPDF, "":
		return "pdf"
	default:
		return format
	}
}
