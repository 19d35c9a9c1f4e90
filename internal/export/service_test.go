package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/calendar-forge/internal/holiday"
	"github.com/yourusername/calendar-forge/internal/jobs"
	"github.com/yourusername/calendar-forge/internal/render"
	"github.com/yourusername/calendar-forge/internal/store"
)

type stubProjects struct {
	project *store.Project
	err     error
}

func (s *stubProjects) GetProject(ctx context.Context, projectID string) (*store.Project, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.project, nil
}

type stubPublicResolver struct {
	markers holiday.Markers
	calls   int
}

func (s *stubPublicResolver) Resolve(country string, year, month int) holiday.Markers {
	s.calls++
	return s.markers
}

type stubCustomResolver struct {
	markers holiday.Markers
	calls   int
}

func (s *stubCustomResolver) Resolve(ctx context.Context, userID string, year, month int) holiday.Markers {
	s.calls++
	return s.markers
}

type fakeRenderer struct {
	page render.Page
	data []byte
	err  error
}

func (r *fakeRenderer) Render(page render.Page) ([]byte, error) {
	r.page = page
	if r.err != nil {
		return nil, r.err
	}
	if r.data == nil {
		return []byte("%PDF-1.4\n"), nil
	}
	return r.data, nil
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
}

type stubObjects struct {
	savedPath        string
	savedContentType string
	savedData        []byte
	saveErr          error
}

func (s *stubObjects) Save(ctx context.Context, path string, data []byte, contentType string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.savedPath = path
	s.savedData = data
	s.savedContentType = contentType
	return nil
}

func (s *stubObjects) Load(ctx context.Context, path string) ([]byte, string, error) {
	return s.savedData, s.savedContentType, nil
}

func (s *stubObjects) Exists(ctx context.Context, path string) bool {
	return s.savedPath == path
}

func testProject() *store.Project {
	return &store.Project{
		ID:     "proj-1",
		UserID: "user-1",
		Name:   "My Calendar",
		Config: store.ProjectConfig{
			Year:               2024,
			CurrentMonth:       2,
			StartDay:           1,
			Country:            "US",
			Language:           "en",
			ShowHolidays:       true,
			ShowCustomHolidays: true,
		},
	}
}

func testJob() *jobs.Record {
	return &jobs.Record{
		ID:        "job-1",
		UserID:    "user-1",
		ProjectID: "proj-1",
		Format:    jobs.FormatPDF,
		Status:    jobs.StatusRunning,
		Stage:     jobs.StageStarting,
		Progress:  5,
		Attempts:  1,
	}
}

func TestRunHappyPath(t *testing.T) {
	public := &stubPublicResolver{markers: holiday.Markers{
		14: {Day: 14, Label: "Valentine's Day", Color: "#dc2626"},
	}}
	custom := &stubCustomResolver{markers: holiday.Markers{
		14: {Day: 14, Label: "Family Day", Color: "#2563eb"},
	}}
	renderer := &fakeRenderer{data: []byte("%PDF-1.4\n% fake\n")}
	objects := &stubObjects{}

	svc, err := NewService(&stubProjects{project: testProject()}, public, custom, renderer, objects, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	var stages []jobs.Stage
	result, err := svc.Run(context.Background(), testJob(), func(stage jobs.Stage) {
		stages = append(stages, stage)
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	wantStages := []jobs.Stage{
		jobs.StageLoadProject,
		jobs.StagePrepareData,
		jobs.StageRenderPDF,
		jobs.StageUpload,
		jobs.StageFinalize,
	}
	if len(stages) != len(wantStages) {
		t.Fatalf("stages = %v, want %v", stages, wantStages)
	}
	last := 0
	for i, stage := range stages {
		if stage != wantStages[i] {
			t.Fatalf("stages[%d] = %s, want %s", i, stage, wantStages[i])
		}
		percent := jobs.StageProgress[stage]
		if percent < last {
			t.Fatalf("progress decreased at %s: %d -> %d", stage, last, percent)
		}
		last = percent
	}

	if result.StoragePath != "exports/user-1/job-1/export.pdf" {
		t.Fatalf("storagePath = %s", result.StoragePath)
	}
	if result.ContentType != "application/pdf" {
		t.Fatalf("contentType = %s", result.ContentType)
	}
	if objects.savedPath != result.StoragePath {
		t.Fatalf("object saved at %s", objects.savedPath)
	}

	// カスタム祝日が公開祝日を上書きした状態で描画に渡る
	marker, ok := renderer.page.Holidays[14]
	if !ok || marker.Label != "Family Day" {
		t.Fatalf("rendered marker = %#v, want custom override", marker)
	}
}

func TestRunProjectNotFound(t *testing.T) {
	svc, err := NewService(&stubProjects{err: store.ErrProjectNotFound}, nil, nil, &fakeRenderer{}, &stubObjects{}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	_, runErr := svc.Run(context.Background(), testJob(), nil)
	var apiErr *Error
	if !errors.As(runErr, &apiErr) || apiErr.Code != CodeProjectNotFound {
		t.Fatalf("err = %v, want %s", runErr, CodeProjectNotFound)
	}
}

func TestRunOwnershipMismatch(t *testing.T) {
	project := testProject()
	project.UserID = "someone-else"
	svc, err := NewService(&stubProjects{project: project}, nil, nil, &fakeRenderer{}, &stubObjects{}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	_, runErr := svc.Run(context.Background(), testJob(), nil)
	var apiErr *Error
	if !errors.As(runErr, &apiErr) || apiErr.Code != CodeOwnershipMismatch {
		t.Fatalf("err = %v, want %s", runErr, CodeOwnershipMismatch)
	}
	if !strings.Contains(FailureMessage(runErr), "owned by a different user") {
		t.Fatalf("failure message = %q", FailureMessage(runErr))
	}
}

func TestRunRenderFailure(t *testing.T) {
	renderer := &fakeRenderer{err: errors.New("page overflow")}
	svc, err := NewService(&stubProjects{project: testProject()}, nil, nil, renderer, &stubObjects{}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	_, runErr := svc.Run(context.Background(), testJob(), nil)
	var apiErr *Error
	if !errors.As(runErr, &apiErr) || apiErr.Code != CodeRenderFailed {
		t.Fatalf("err = %v, want %s", runErr, CodeRenderFailed)
	}
}

func TestRunUploadFailure(t *testing.T) {
	objects := &stubObjects{saveErr: errors.New("bucket gone")}
	svc, err := NewService(&stubProjects{project: testProject()}, nil, nil, &fakeRenderer{data: []byte("%PDF-1.4\n")}, objects, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	_, runErr := svc.Run(context.Background(), testJob(), nil)
	var apiErr *Error
	if !errors.As(runErr, &apiErr) || apiErr.Code != CodeUploadFailed {
		t.Fatalf("err = %v, want %s", runErr, CodeUploadFailed)
	}
}

func TestRunSkipsCustomHolidaysWhenDisabled(t *testing.T) {
	project := testProject()
	project.Config.ShowCustomHolidays = false
	custom := &stubCustomResolver{markers: holiday.Markers{1: {Day: 1, Label: "x", Color: "#000000"}}}

	svc, err := NewService(&stubProjects{project: project}, &stubPublicResolver{}, custom, &fakeRenderer{data: []byte("%PDF-1.4\n")}, &stubObjects{}, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	if _, err := svc.Run(context.Background(), testJob(), nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if custom.calls != 0 {
		t.Fatalf("custom resolver consulted %d times, want 0", custom.calls)
	}
}

func TestNormalizeConfigClamps(t *testing.T) {
	cfg := normalizeConfig(store.ProjectConfig{CurrentMonth: 15, StartDay: 9}, fixedNow())
	if cfg.CurrentMonth != 12 || cfg.StartDay != 6 {
		t.Fatalf("clamped high: %#v", cfg)
	}
	cfg = normalizeConfig(store.ProjectConfig{CurrentMonth: -1, StartDay: -3}, fixedNow())
	if cfg.CurrentMonth != 1 || cfg.StartDay != 0 {
		t.Fatalf("clamped low: %#v", cfg)
	}
	if cfg.Year != 2024 {
		t.Fatalf("default year = %d, want 2024", cfg.Year)
	}
}
