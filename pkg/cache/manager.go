package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager owns the three cache tiers under one versioned root:
//
//	<root>/responses.db   tier 1, raw responses (SQLite)
//	<root>/results/       tier 2, processed artifacts (parquet)
//	<root>/bulk/          tier 3, bulk downloads + manifest.json
type Manager struct {
	cfg  Config
	root string

	Responses *ResponseCache
	Results   *ResultCache
	Bulk      *BulkManager

	logger zerolog.Logger
}

// NewManager resolves the cache root from cfg and opens all three tiers.
func NewManager(cfg Config) (*Manager, error) {
	root, err := cfg.Root()
	if err != nil {
		return nil, err
	}

	responses, err := OpenResponseCache(filepath.Join(root, "responses.db"), cfg.ResponseTTL)
	if err != nil {
		return nil, err
	}
	results, err := NewResultCache(filepath.Join(root, "results"))
	if err != nil {
		responses.Close()
		return nil, err
	}
	bulk, err := NewBulkManager(filepath.Join(root, "bulk"), cfg)
	if err != nil {
		responses.Close()
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		root:      root,
		Responses: responses,
		Results:   results,
		Bulk:      bulk,
		logger:    log.With().Str("component", "cache-manager").Logger(),
	}
	m.logger.Debug().Str("root", root).Msg("Cache manager initialized")
	return m, nil
}

// Root returns the resolved cache root directory.
func (m *Manager) Root() string { return m.root }

// Config returns the configuration the manager was built from.
func (m *Manager) Config() Config { return m.cfg }

// Close releases tier resources. Safe to call once.
func (m *Manager) Close() error {
	return m.Responses.Close()
}

// Stats aggregates per-tier statistics.
type Stats struct {
	Root      string
	Responses ResponseInfo
	Results   ResultStats
	Bulk      BulkStats
}

// Stats reports the state of all three tiers.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	responses, err := m.Responses.Info(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("response tier stats: %w", err)
	}
	results, err := m.Results.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("result tier stats: %w", err)
	}
	bulk, err := m.Bulk.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("bulk tier stats: %w", err)
	}
	return Stats{Root: m.root, Responses: responses, Results: results, Bulk: bulk}, nil
}

// Clear empties all three tiers.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.Responses.Clear(ctx); err != nil {
		return err
	}
	if err := m.Results.Clear(); err != nil {
		return err
	}
	if err := m.Bulk.Clear(ctx, ""); err != nil {
		return err
	}
	m.logger.Info().Str("root", m.root).Msg("All cache tiers cleared")
	return nil
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager built from DefaultConfig,
// creating it on first use.
func Default() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		m, err := NewManager(DefaultConfig())
		if err != nil {
			return nil, err
		}
		defaultManager = m
	}
	return defaultManager, nil
}

// ResetDefault closes and forgets the process-wide manager so the next
// Default call rebuilds it. Intended for environment changes and tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager != nil {
		defaultManager.Close()
		defaultManager = nil
	}
}
