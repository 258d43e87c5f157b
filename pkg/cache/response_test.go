package cache

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/ONEcampaign/oda-reader/pkg/version"
)

func setupResponseCache(t *testing.T) *ResponseCache {
	t.Helper()

	c, err := OpenResponseCache(filepath.Join(t.TempDir(), "responses.db"), time.Hour)
	if err != nil {
		t.Fatalf("OpenResponseCache failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestResponseCache_PutAndGet(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{
		StatusCode: 200,
		Body:       []byte("DONOR,RECIPIENT,VALUE\nDAC,ALL,123.4\n"),
		Header:     http.Header{"Content-Type": []string{"text/csv"}},
		URL:        key.URL,
	}

	if err := c.Put(ctx, key, resp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Body) != string(resp.Body) {
		t.Errorf("Body mismatch: got %q, want %q", got.Body, resp.Body)
	}
	if got.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", got.StatusCode)
	}
	if got.Header.Get("Content-Type") != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", got.Header.Get("Content-Type"))
	}
	if !got.FromCache {
		t.Error("FromCache not set on cached response")
	}
}

func TestResponseCache_Miss(t *testing.T) {
	c := setupResponseCache(t)

	_, err := c.Get(context.Background(), RequestKey{Method: "GET", URL: "https://api.example.org/nothing"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

// Stable 404s are cached so repeated version-ladder probes skip the network.
func TestResponseCache_CachesNotFound(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/9.9/all"}
	resp := &version.Response{StatusCode: 404, Body: []byte("NoRecordsFound"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, resp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", got.StatusCode)
	}
}

func TestResponseCache_SkipsNonCacheableStatus(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 502, Body: []byte("bad gateway"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, resp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Transient failure should not be cached, got %v", err)
	}
}

func TestResponseCache_Expiry(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 200, Body: []byte("data"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, resp, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Force the entry into the past instead of sleeping.
	past := time.Now().Add(-time.Minute).Unix()
	if _, err := c.db.ExecContext(ctx, `UPDATE responses SET expires_at = ?`, past); err != nil {
		t.Fatalf("failed to backdate entry: %v", err)
	}

	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}

	// The expired row must be gone, not just skipped.
	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.ResponseCount != 0 {
		t.Errorf("Expired row not purged: count = %d", info.ResponseCount)
	}
}

func TestResponseCache_CorruptBodyPurged(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 200, Body: []byte("data"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, resp, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Overwrite the compressed body with garbage.
	if _, err := c.db.ExecContext(ctx, `UPDATE responses SET body = ?`, []byte("not zstd")); err != nil {
		t.Fatalf("failed to corrupt entry: %v", err)
	}

	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Corrupt entry should surface as a miss, got %v", err)
	}

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.ResponseCount != 0 {
		t.Errorf("Corrupt row not purged: count = %d", info.ResponseCount)
	}
}

func TestResponseCache_Disable(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	resp := &version.Response{StatusCode: 200, Body: []byte("data"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, resp, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c.Disable()
	if c.Enabled() {
		t.Error("Enabled() = true after Disable")
	}
	if _, err := c.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Disabled tier should always miss, got %v", err)
	}

	// Entries survive a disable/enable cycle.
	c.Enable()
	if _, err := c.Get(ctx, key); err != nil {
		t.Errorf("Entry lost across disable/enable: %v", err)
	}
}

func TestResponseCache_Clear(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	for _, url := range []string{"https://a.example.org", "https://b.example.org"} {
		key := RequestKey{Method: "GET", URL: url}
		resp := &version.Response{StatusCode: 200, Body: []byte("x"), Header: http.Header{}, URL: url}
		if err := c.Put(ctx, key, resp, time.Hour); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.ResponseCount != 0 {
		t.Errorf("ResponseCount = %d after Clear, want 0", info.ResponseCount)
	}
}

func TestResponseCache_Upsert(t *testing.T) {
	c := setupResponseCache(t)
	ctx := context.Background()

	key := RequestKey{Method: "GET", URL: "https://api.example.org/data/1.3/all"}
	first := &version.Response{StatusCode: 404, Body: []byte("NoRecordsFound"), Header: http.Header{}, URL: key.URL}
	second := &version.Response{StatusCode: 200, Body: []byte("fresh data"), Header: http.Header{}, URL: key.URL}

	if err := c.Put(ctx, key, first, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, key, second, time.Hour); err != nil {
		t.Fatalf("Put (overwrite) failed: %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.StatusCode != 200 || string(got.Body) != "fresh data" {
		t.Errorf("Overwrite not applied: status %d body %q", got.StatusCode, got.Body)
	}
}
