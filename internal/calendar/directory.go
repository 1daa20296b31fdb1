package calendar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMinRefreshInterval = time.Minute
	refreshFlightKey          = "refresh"
)

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	Lister Lister
	// Static entries are consulted before the lister and survive Invalidate.
	Static             map[string]string
	MinRefreshInterval time.Duration
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Directory caches calendar name to identifier lookups. A miss triggers a
// refresh from the lister unless one ran within MinRefreshInterval; Invalidate
// forces the next lookup to refresh. Concurrent misses share one refresh, and
// the mutex is never held across a lister call.
type Directory struct {
	lister             Lister
	static             map[string]string
	minRefreshInterval time.Duration
	clock              func() time.Time
	logger             *zap.Logger

	refreshes singleflight.Group

	mu          sync.Mutex
	ids         map[string]string
	refreshedAt time.Time
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) *Directory {
	minRefresh := cfg.MinRefreshInterval
	if minRefresh <= 0 {
		minRefresh = defaultMinRefreshInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	static := make(map[string]string, len(cfg.Static))
	for name, id := range cfg.Static {
		static[normalizeName(name)] = id
	}
	return &Directory{
		lister:             cfg.Lister,
		static:             static,
		minRefreshInterval: minRefresh,
		clock:              clock,
		logger:             logger,
		ids:                map[string]string{},
	}
}

// Lookup resolves a calendar name to its identifier. A lookup waiting on a
// shared refresh returns when ctx is done; the refresh itself keeps running
// for the other callers.
func (d *Directory) Lookup(ctx context.Context, name string) (string, error) {
	key := normalizeName(name)
	if key == "" {
		return "", fmt.Errorf("%w: empty name", ErrCalendarNotFound)
	}
	if id, ok := d.static[key]; ok {
		return id, nil
	}

	id, found, refreshDue := d.cached(key)
	if found {
		return id, nil
	}
	if d.lister == nil || !refreshDue {
		return "", fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
	}

	flight := d.refreshes.DoChan(refreshFlightKey, func() (any, error) {
		return nil, d.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("calendar directory: lookup %q: %w", name, ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			return "", result.Err
		}
	}

	if id, found, _ := d.cached(key); found {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrCalendarNotFound, name)
}

// Invalidate drops every cached entry learned from the lister.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = map[string]string{}
	d.refreshedAt = time.Time{}
}

func (d *Directory) cached(key string) (id string, found bool, refreshDue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[key]; ok {
		return id, true, false
	}
	refreshDue = d.refreshedAt.IsZero() || d.clock().Sub(d.refreshedAt) >= d.minRefreshInterval
	return "", false, refreshDue
}

func (d *Directory) refresh(ctx context.Context) error {
	calendars, err := d.lister.ListCalendars(ctx)
	if err != nil {
		d.logger.Warn("calendar directory refresh failed", zap.Error(err))
		return err
	}
	ids := make(map[string]string, len(calendars))
	for _, info := range calendars {
		ids[normalizeName(info.Name)] = info.ID
	}

	d.mu.Lock()
	d.ids = ids
	d.refreshedAt = d.clock()
	d.mu.Unlock()

	d.logger.Debug("calendar directory refreshed", zap.Int("calendar_count", len(ids)))
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
