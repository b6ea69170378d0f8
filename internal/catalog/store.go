package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"

	"capline/internal/domain"
)

var (
	ErrNotLoaded        = errors.New("catalog not loaded")
	ErrStrictValidation = errors.New("catalog failed strict validation")
)

// Store owns the loaded catalog and is the only allowlist authority.
// After a successful Load the contents never change, so reads are safe from any goroutine.
type Store struct {
	source Source
	strict bool
	logger *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	catalog domain.Catalog
	index   map[string]int
	issues  Issues
	loadErr error
}

type Option func(*Store)

// WithStrict makes Load refuse catalogs carrying error-severity issues.
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(src Source, opts ...Option) *Store {
	s := &Store{source: src}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Load decodes and validates the catalog once. Later calls return the first outcome
// if it succeeded; a failed load may be retried.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	data, err := s.source.Read(ctx)
	if err != nil {
		s.loadErr = fmt.Errorf("read catalog %s: %w", s.source, err)
		return s.loadErr
	}
	c, err := Decode(data)
	if err != nil {
		s.loadErr = fmt.Errorf("catalog %s: %w", s.source, err)
		s.logger.Error("catalog decode failed", "source", s.source.String(), "err", err)
		return s.loadErr
	}
	issues := Validate(c)
	for _, is := range issues {
		s.logger.Warn("catalog validation", "severity", is.Severity, "capability", is.CapabilityID, "message", is.Message)
	}
	if s.strict && issues.HasErrors() {
		s.issues = issues
		s.loadErr = fmt.Errorf("%w: %d error(s)", ErrStrictValidation, len(issues.Errors()))
		return s.loadErr
	}

	index := make(map[string]int, len(c.Capabilities))
	for i, item := range c.Capabilities {
		if _, dup := index[item.ID]; dup || strings.TrimSpace(item.ID) == "" {
			continue
		}
		index[item.ID] = i
	}
	s.catalog = c
	s.index = index
	s.issues = issues
	s.loadErr = nil
	s.loaded = true
	s.logger.Info("catalog loaded", "source", s.source.String(), "version", c.Version, "capabilities", len(c.Capabilities), "issues", len(issues))
	return nil
}

func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *Store) LoadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

func (s *Store) Issues() Issues {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issues
}

func (s *Store) Catalog() (domain.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return domain.Catalog{}, ErrNotLoaded
	}
	return s.catalog, nil
}

// Capability looks up a capability by id. The first occurrence wins for duplicated ids.
func (s *Store) Capability(id string) (domain.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return domain.Capability{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return domain.Capability{}, false
	}
	return s.catalog.Capabilities[i], true
}

func (s *Store) IsAllowed(id string) bool {
	_, ok := s.Capability(id)
	return ok
}

func (s *Store) All() []domain.Capability {
	return s.filter(func(domain.Capability) bool { return true })
}

func (s *Store) ByCategory(c domain.Category) []domain.Capability {
	return s.filter(func(item domain.Capability) bool { return item.Category == c })
}

func (s *Store) ByRisk(r domain.RiskClass) []domain.Capability {
	return s.filter(func(item domain.Capability) bool { return item.RiskClass == r })
}

func (s *Store) ByMode(m domain.ExecutionMode) []domain.Capability {
	return s.filter(func(item domain.Capability) bool { return item.ExecutionMode == m })
}

func (s *Store) filter(keep func(domain.Capability) bool) []domain.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil
	}
	return lo.Filter(s.catalog.Capabilities, func(item domain.Capability, _ int) bool { return keep(item) })
}
