package cache

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
)

type aidRow struct {
	Donor     string  `parquet:"donor"`
	Recipient string  `parquet:"recipient"`
	Year      int32   `parquet:"year"`
	Value     float64 `parquet:"value"`
}

func sampleRows() []aidRow {
	return []aidRow{
		{Donor: "DAC", Recipient: "ALL", Year: 2022, Value: 204.0},
		{Donor: "FRA", Recipient: "SEN", Year: 2022, Value: 1.2},
		{Donor: "DEU", Recipient: "IND", Year: 2023, Value: 3.4},
	}
}

func setupResultCache(t *testing.T) *ResultCache {
	t.Helper()

	c, err := NewResultCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}
	return c
}

func TestGetOrCompute_ComputesOnceThenHits(t *testing.T) {
	c := setupResultCache(t)
	ctx := context.Background()
	key := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3", URL: "https://api.example.org/data"}

	var calls atomic.Int32
	compute := func(context.Context) ([]aidRow, error) {
		calls.Add(1)
		return sampleRows(), nil
	}

	first, err := GetOrCompute(ctx, c, key, compute)
	if err != nil {
		t.Fatalf("GetOrCompute (miss) failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Got %d rows, want 3", len(first))
	}

	second, err := GetOrCompute(ctx, c, key, compute)
	if err != nil {
		t.Fatalf("GetOrCompute (hit) failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Compute called %d times, want 1", calls.Load())
	}
	if len(second) != 3 || second[0].Donor != "DAC" || second[2].Value != 3.4 {
		t.Errorf("Cached rows differ from computed: %+v", second)
	}
}

func TestGetOrCompute_DistinctKeysComputeSeparately(t *testing.T) {
	c := setupResultCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(context.Context) ([]aidRow, error) {
		calls.Add(1)
		return sampleRows(), nil
	}

	a := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3", PreProcess: true}
	b := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3", PreProcess: false}

	if _, err := GetOrCompute(ctx, c, a, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if _, err := GetOrCompute(ctx, c, b, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Compute called %d times for distinct keys, want 2", calls.Load())
	}
}

func TestGetOrCompute_Disabled(t *testing.T) {
	c := setupResultCache(t)
	c.Disable()
	ctx := context.Background()
	key := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1"}

	var calls atomic.Int32
	compute := func(context.Context) ([]aidRow, error) {
		calls.Add(1)
		return sampleRows(), nil
	}

	for i := 0; i < 3; i++ {
		if _, err := GetOrCompute(ctx, c, key, compute); err != nil {
			t.Fatalf("GetOrCompute failed: %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("Disabled tier should compute every time, got %d calls", calls.Load())
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Errorf("Disabled tier persisted %d artifacts", stats.EntryCount)
	}
}

func TestGetOrCompute_ComputeError(t *testing.T) {
	c := setupResultCache(t)
	ctx := context.Background()
	key := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1"}

	wantErr := errors.New("upstream unavailable")
	_, err := GetOrCompute(ctx, c, key, func(context.Context) ([]aidRow, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected compute error to propagate, got %v", err)
	}

	// A failed compute must leave no artifact behind.
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Errorf("Failed compute left %d artifacts", stats.EntryCount)
	}
}

func TestGetOrCompute_CorruptArtifactRecomputed(t *testing.T) {
	c := setupResultCache(t)
	ctx := context.Background()
	key := ResultKey{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3"}

	var calls atomic.Int32
	compute := func(context.Context) ([]aidRow, error) {
		calls.Add(1)
		return sampleRows(), nil
	}

	if _, err := GetOrCompute(ctx, c, key, compute); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}

	// Truncate the artifact so the parquet footer is gone.
	if err := os.WriteFile(c.artifactPath(key.Hash()), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := GetOrCompute(ctx, c, key, compute)
	if err != nil {
		t.Fatalf("GetOrCompute after corruption failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Corrupt artifact should force recompute, got %d calls", calls.Load())
	}
	if len(rows) != 3 {
		t.Errorf("Got %d rows after recompute, want 3", len(rows))
	}
}

func TestResultCache_ClearAndStats(t *testing.T) {
	c := setupResultCache(t)
	ctx := context.Background()

	compute := func(context.Context) ([]aidRow, error) { return sampleRows(), nil }
	keys := []ResultKey{
		{DataflowID: "DSD_DAC1@DF_DAC1", DataflowVersion: "1.3"},
		{DataflowID: "DSD_DAC2@DF_DAC2", DataflowVersion: "1.2"},
	}
	for _, key := range keys {
		if _, err := GetOrCompute(ctx, c, key, compute); err != nil {
			t.Fatalf("GetOrCompute failed: %v", err)
		}
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 2 {
		t.Errorf("EntryCount = %d, want 2", stats.EntryCount)
	}
	if stats.TotalSizeBytes <= 0 {
		t.Errorf("TotalSizeBytes = %d, want > 0", stats.TotalSizeBytes)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	stats, err = c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Errorf("EntryCount = %d after Clear, want 0", stats.EntryCount)
	}
}
