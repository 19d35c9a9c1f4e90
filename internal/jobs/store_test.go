package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func newQueuedJob(t *testing.T, s *Store, jobID string) *Record {
	t.Helper()
	record := &Record{
		ID:        jobID,
		UserID:    "user-1",
		ProjectID: "proj-1",
		Format:    FormatPDF,
	}
	if err := s.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return record
}

func TestClaimTransitionsToRunning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")

	claimed, err := s.Claim(ctx, "job-1", "event-1", 3)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claimed == nil {
		t.Fatal("Claim returned nil for queued job")
	}
	if claimed.Status != StatusRunning || claimed.Stage != StageStarting {
		t.Fatalf("claimed snapshot: status=%s stage=%s", claimed.Status, claimed.Stage)
	}
	if claimed.Progress != 5 {
		t.Fatalf("progress = %d, want 5", claimed.Progress)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", claimed.Attempts)
	}
	if claimed.ProcessingEventID != "event-1" {
		t.Fatalf("processingEventId = %s", claimed.ProcessingEventID)
	}
	if claimed.StartedAt == nil {
		t.Fatal("startedAt not stamped")
	}
}

func TestClaimExclusivity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")

	var wg sync.WaitGroup
	results := make([]*Record, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := s.Claim(ctx, "job-1", "event", 3)
			if err != nil {
				t.Errorf("Claim returned error: %v", err)
				return
			}
			results[i] = record
		}(i)
	}
	wg.Wait()

	claimedCount := 0
	for _, record := range results {
		if record != nil {
			claimedCount++
		}
	}
	if claimedCount != 1 {
		t.Fatalf("claimed count = %d, want exactly 1", claimedCount)
	}

	stored, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (not incremented twice)", stored.Attempts)
	}
}

func TestClaimSecondAttemptBacksOff(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")

	if claimed, _ := s.Claim(ctx, "job-1", "event-1", 3); claimed == nil {
		t.Fatal("first claim failed")
	}
	second, err := s.Claim(ctx, "job-1", "event-2", 3)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if second != nil {
		t.Fatalf("second claim succeeded: %#v", second)
	}
}

func TestClaimMaxAttemptsExceeded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	record := newQueuedJob(t, s, "job-1")

	// 試行回数をすでに上限まで消費した状態を作る
	record.Attempts = 3
	payload, _ := json.Marshal(record)
	if err := s.rdb.Set(ctx, jobKey("job-1"), payload, 0).Err(); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	claimed, err := s.Claim(ctx, "job-1", "event-1", 3)
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claim succeeded past attempt ceiling: %#v", claimed)
	}

	stored, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != StatusFailed || stored.Stage != StageFailed {
		t.Fatalf("status=%s stage=%s, want failed/failed", stored.Status, stored.Stage)
	}
	if stored.Progress != 100 {
		t.Fatalf("progress = %d, want 100", stored.Progress)
	}
	if stored.Error == nil || stored.Error.Message != MaxAttemptsExceededMessage {
		t.Fatalf("error = %#v, want %q", stored.Error, MaxAttemptsExceededMessage)
	}
	if stored.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
}

func TestClaimMissingOrMalformedJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if claimed, err := s.Claim(ctx, "missing", "event-1", 3); err != nil || claimed != nil {
		t.Fatalf("claim on missing job: record=%#v err=%v", claimed, err)
	}

	// userId を欠いたレコードは変更なしで見送られる
	broken := &Record{ID: "job-broken", ProjectID: "proj-1", Status: StatusQueued}
	payload, _ := json.Marshal(broken)
	if err := s.rdb.Set(ctx, jobKey("job-broken"), payload, 0).Err(); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	if claimed, err := s.Claim(ctx, "job-broken", "event-1", 3); err != nil || claimed != nil {
		t.Fatalf("claim on malformed job: record=%#v err=%v", claimed, err)
	}
	stored, _ := s.Get(ctx, "job-broken")
	if stored.Status != StatusQueued {
		t.Fatalf("malformed job was mutated: %#v", stored)
	}
}

func TestAdvanceStageIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")
	if _, err := s.Claim(ctx, "job-1", "event-1", 3); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	stages := []Stage{StageLoadProject, StagePrepareData, StageRenderPDF, StageUpload, StageFinalize}
	last := 0
	for _, stage := range stages {
		if err := s.AdvanceStage(ctx, "job-1", stage); err != nil {
			t.Fatalf("AdvanceStage(%s) returned error: %v", stage, err)
		}
		record, _ := s.Get(ctx, "job-1")
		if record.Progress < last {
			t.Fatalf("progress decreased: %d -> %d at %s", last, record.Progress, stage)
		}
		last = record.Progress
	}

	// 後退する書き込みは無視される
	if err := s.AdvanceStage(ctx, "job-1", StageLoadProject); err != nil {
		t.Fatalf("AdvanceStage returned error: %v", err)
	}
	record, _ := s.Get(ctx, "job-1")
	if record.Progress != 90 || record.Stage != StageFinalize {
		t.Fatalf("stale advance applied: progress=%d stage=%s", record.Progress, record.Stage)
	}
}

func TestMarkCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")
	if _, err := s.Claim(ctx, "job-1", "event-1", 3); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	output := Output{StoragePath: "exports/user-1/job-1/export.pdf", ContentType: "application/pdf"}
	if err := s.MarkCompleted(ctx, "job-1", output); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}

	record, _ := s.Get(ctx, "job-1")
	if record.Status != StatusCompleted || record.Stage != StageCompleted || record.Progress != 100 {
		t.Fatalf("unexpected terminal state: %#v", record)
	}
	if record.Output == nil || record.Output.StoragePath != output.StoragePath {
		t.Fatalf("output = %#v", record.Output)
	}
	if record.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
}

func TestRequeueOnlyFromFailed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-1")

	if err := s.Requeue(ctx, "job-1"); !errors.Is(err, ErrNotRequeueable) {
		t.Fatalf("Requeue on queued job: err = %v, want ErrNotRequeueable", err)
	}

	if _, err := s.Claim(ctx, "job-1", "event-1", 3); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if err := s.MarkFailed(ctx, "job-1", "render exploded"); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	if err := s.Requeue(ctx, "job-1"); err != nil {
		t.Fatalf("Requeue returned error: %v", err)
	}
	record, _ := s.Get(ctx, "job-1")
	if record.Status != StatusQueued || record.Stage != StageQueued || record.Progress != 0 {
		t.Fatalf("unexpected requeued state: %#v", record)
	}
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d, want preserved 1", record.Attempts)
	}
	if record.Error != nil {
		t.Fatalf("error not cleared: %#v", record.Error)
	}

	// 再キュー後は改めてクレームできる
	claimed, err := s.Claim(ctx, "job-1", "event-2", 3)
	if err != nil || claimed == nil {
		t.Fatalf("claim after requeue: record=%#v err=%v", claimed, err)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", claimed.Attempts)
	}
}

func TestRequeueStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newQueuedJob(t, s, "job-stale")
	newQueuedJob(t, s, "job-fresh")

	if _, err := s.Claim(ctx, "job-stale", "event-1", 3); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if _, err := s.Claim(ctx, "job-fresh", "event-2", 3); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	// job-stale の開始時刻を過去にずらす
	record, _ := s.Get(ctx, "job-stale")
	old := time.Now().UTC().Add(-time.Hour)
	record.StartedAt = &old
	payload, _ := json.Marshal(record)
	if err := s.rdb.Set(ctx, jobKey("job-stale"), payload, 0).Err(); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	requeued, err := s.RequeueStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale returned error: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != "job-stale" {
		t.Fatalf("requeued = %v, want [job-stale]", requeued)
	}

	stale, _ := s.Get(ctx, "job-stale")
	if stale.Status != StatusQueued {
		t.Fatalf("stale job status = %s, want queued", stale.Status)
	}
	fresh, _ := s.Get(ctx, "job-fresh")
	if fresh.Status != StatusRunning {
		t.Fatalf("fresh job status = %s, want running", fresh.Status)
	}
}
