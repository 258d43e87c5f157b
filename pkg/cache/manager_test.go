package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ONEcampaign/oda-reader/pkg/version"
)

func TestNewManager_TiersUnderRoot(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(Config{Dir: root})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if m.Root() != root {
		t.Errorf("Root = %q, want %q", m.Root(), root)
	}
	for _, sub := range []string{"results", "bulk"} {
		if fi, err := os.Stat(filepath.Join(root, sub)); err != nil || !fi.IsDir() {
			t.Errorf("Tier directory %s missing: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "responses.db")); err != nil {
		t.Errorf("Response store missing: %v", err)
	}
}

func TestManager_StatsAcrossTiers(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 200, Body: []byte("data"), Header: http.Header{}, URL: key.URL}
	if err := m.Responses.Put(ctx, key, resp, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rkey := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3"}
	if _, err := GetOrCompute(ctx, m.Results, rkey, func(context.Context) ([]aidRow, error) {
		return sampleRows(), nil
	}); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}

	var calls atomic.Int32
	if _, err := m.Bulk.GetOrFetch(ctx, "crs_full", time.Hour, writeFetcher("payload", &calls)); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Responses.ResponseCount != 1 {
		t.Errorf("Responses.ResponseCount = %d, want 1", stats.Responses.ResponseCount)
	}
	if stats.Results.EntryCount != 1 {
		t.Errorf("Results.EntryCount = %d, want 1", stats.Results.EntryCount)
	}
	if stats.Bulk.EntryCount != 1 {
		t.Errorf("Bulk.EntryCount = %d, want 1", stats.Bulk.EntryCount)
	}
}

func TestManager_ClearAllTiers(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 200, Body: []byte("data"), Header: http.Header{}, URL: key.URL}
	if err := m.Responses.Put(ctx, key, resp, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	var calls atomic.Int32
	if _, err := m.Bulk.GetOrFetch(ctx, "crs_full", time.Hour, writeFetcher("payload", &calls)); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Responses.ResponseCount != 0 || stats.Results.EntryCount != 0 || stats.Bulk.EntryCount != 0 {
		t.Errorf("Tiers not empty after Clear: %+v", stats)
	}
}

func TestDefault_Reuse(t *testing.T) {
	t.Setenv("ODA_READER_CACHE_DIR", t.TempDir())
	ResetDefault()
	t.Cleanup(ResetDefault)

	first, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	second, err := Default()
	if err != nil {
		t.Fatalf("Default (second) failed: %v", err)
	}
	if first != second {
		t.Error("Default should return the same manager until reset")
	}

	ResetDefault()
	third, err := Default()
	if err != nil {
		t.Fatalf("Default after reset failed: %v", err)
	}
	if third == first {
		t.Error("ResetDefault should force a rebuild")
	}
}
