package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"

	"docsearch/internal/config"
)

// DefaultCollection is used when the caller does not name one.
const DefaultCollection = "default"

var collectionName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Manager hands out one Indexer per collection. Collections are fully
// independent: each has its own index artifact, metadata database and lock,
// so one collection's writes never block another's reads.
type Manager struct {
	cfg      *config.Config
	embedder Embedder

	mu          sync.Mutex
	collections map[string]*Indexer
}

func NewManager(cfg *config.Config, embedder Embedder) *Manager {
	return &Manager{
		cfg:         cfg,
		embedder:    embedder,
		collections: make(map[string]*Indexer),
	}
}

// Collection returns the indexer for name, opening it on first use.
func (m *Manager) Collection(ctx context.Context, name string) (*Indexer, error) {
	if name == "" {
		name = DefaultCollection
	}
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name: %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ix, ok := m.collections[name]; ok {
		return ix, nil
	}

	dir := filepath.Join(m.cfg.DataDir, "collections", name)
	ix, err := Open(ctx, name, dir, m.cfg, m.embedder)
	if err != nil {
		return nil, err
	}
	m.collections[name] = ix
	return ix, nil
}

// CloseAll persists and closes every open collection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ix := range m.collections {
		if err := ix.Close(); err != nil {
			log.Error().Err(err).Str("collection", name).Msg("closing collection")
		}
		delete(m.collections, name)
	}
}
