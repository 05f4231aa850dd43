package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/storage"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "archdraw.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestPreferences_GetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Preferences().Get(context.Background(), "tg:1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPreferences_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Preferences().Upsert(ctx, &domain.Preferences{RequesterID: "tg:1", Provider: "gigachat", APIKey: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Preferences().Upsert(ctx, &domain.Preferences{RequesterID: "tg:1", Provider: "gigachat", Model: "GigaChat-Max", APIKey: "second"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Preferences().Upsert(ctx, &domain.Preferences{RequesterID: "tg:2", Provider: "proxyapi"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Preferences().Get(ctx, "tg:1")
	if err != nil {
		t.Fatal(err)
	}
	if got.APIKey != "second" || got.Model != "GigaChat-Max" || got.Provider != "gigachat" {
		t.Errorf("prefs = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
	other, err := s.Preferences().Get(ctx, "tg:2")
	if err != nil || other.Provider != "proxyapi" || other.HasAPIKey() {
		t.Errorf("tg:2 = %+v, %v", other, err)
	}
}

func TestPreferences_RequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Preferences().Upsert(context.Background(), &domain.Preferences{}); err == nil {
		t.Fatal("expected error for empty requester id")
	}
}

func TestRuns_AppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := &domain.DiagramRun{
			RequesterID: "tg:1",
			Request:     "web app",
			Status:      domain.RunExhausted,
			Attempts:    3,
			Error:       "boom",
			Duration:    1500 * time.Millisecond,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			run.Status = domain.RunSucceeded
			run.ArtifactPath = "/d/diagram_tg_1_1.png"
		}
		if err := s.Runs().Append(ctx, run); err != nil {
			t.Fatal(err)
		}
		if run.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Fatal("Append did not assign an ID")
		}
	}
	if err := s.Runs().Append(ctx, &domain.DiagramRun{RequesterID: "tg:2", Request: "x", Status: domain.RunFailed}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.Runs().List(ctx, "tg:1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].Status != domain.RunSucceeded || runs[0].ArtifactPath == "" {
		t.Errorf("newest run = %+v", runs[0])
	}
	if runs[1].Duration != 1500*time.Millisecond || runs[1].Error != "boom" {
		t.Errorf("second run = %+v", runs[1])
	}

	all, err := s.Runs().List(ctx, "tg:1", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("List(limit 0) = %d runs, %v", len(all), err)
	}
}

func TestDriverAndPing(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
