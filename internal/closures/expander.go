package closures

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"go.uber.org/zap"
)

var (
	// AllDayOpen and AllDayClose bound the blocks of an all-day closure.
	AllDayOpen  = businesstime.NewWallTime(8, 0)
	AllDayClose = businesstime.NewWallTime(22, 0)

	errMissingAreaResolver = errors.New("closures: area resolver is required")
	errMissingBlockStore   = errors.New("closures: block store is required")
)

// AreaResolver maps an affected-areas descriptor to resources.
type AreaResolver interface {
	Resolve(ctx context.Context, affectedAreas string) (resources.Set, error)
}

// BlockStore writes closure-derived availability blocks. InsertBlocks must
// ignore rows that already exist.
type BlockStore interface {
	InsertBlocks(ctx context.Context, blocks []availability.Block) (int, error)
	DeleteBlocksForClosure(ctx context.Context, closureID string) (int, error)
}

// Outcome summarizes the block rows touched by an expansion.
type Outcome struct {
	Removed  int
	Inserted int
}

// Expander turns closures into per-resource, per-day availability blocks.
type Expander struct {
	areas  AreaResolver
	blocks BlockStore
	logger *zap.Logger
}

// NewExpander constructs an Expander.
func NewExpander(areas AreaResolver, blocks BlockStore, logger *zap.Logger) (*Expander, error) {
	if areas == nil {
		return nil, errMissingAreaResolver
	}
	if blocks == nil {
		return nil, errMissingBlockStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{areas: areas, blocks: blocks, logger: logger}, nil
}

// Expand writes one block per resolved resource and closure date.
func (e *Expander) Expand(ctx context.Context, closure *records.Closure) (int, error) {
	resourceIDs, err := e.areas.Resolve(ctx, closure.AffectedAreas)
	if err != nil {
		return 0, err
	}

	dates, err := businesstime.ExpandDateRange(closure.StartDate, closure.EndDate)
	if err != nil {
		var rangeErr *businesstime.InvalidRangeError
		if !errors.As(err, &rangeErr) {
			return 0, err
		}
		e.logger.Warn("closure date range is reversed, blocking start date only",
			zap.String("closure_id", closure.ID),
			zap.String("start_date", closure.StartDate.String()),
			zap.String("end_date", closure.EndDate.String()))
		dates, _ = businesstime.ExpandDateRange(closure.StartDate, closure.StartDate)
	}

	start, end := e.window(closure)
	sourceID := closure.ID
	var blocks []availability.Block
	for date := range dates {
		for _, resourceID := range resourceIDs.Sorted() {
			blocks = append(blocks, availability.Block{
				ResourceID:      resourceID,
				Date:            date,
				StartTime:       start,
				EndTime:         end,
				SourceClosureID: &sourceID,
				BlockType:       availability.BlockTypeClosure,
				Notes:           closureNote(closure),
			})
		}
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	inserted, err := e.blocks.InsertBlocks(ctx, blocks)
	if err != nil {
		return 0, fmt.Errorf("closures: insert blocks for %s: %w", closure.ID, err)
	}
	return inserted, nil
}

// Remove deletes every block derived from the closure.
func (e *Expander) Remove(ctx context.Context, closureID string) (int, error) {
	removed, err := e.blocks.DeleteBlocksForClosure(ctx, closureID)
	if err != nil {
		return 0, fmt.Errorf("closures: delete blocks for %s: %w", closureID, err)
	}
	return removed, nil
}

// Replace deletes the closure's blocks and expands it again.
func (e *Expander) Replace(ctx context.Context, closure *records.Closure) (Outcome, error) {
	removed, err := e.Remove(ctx, closure.ID)
	if err != nil {
		return Outcome{}, err
	}
	inserted, err := e.Expand(ctx, closure)
	if err != nil {
		return Outcome{Removed: removed}, err
	}
	return Outcome{Removed: removed, Inserted: inserted}, nil
}

// Apply reconciles the blocks of a closure that changed from before to after.
// before is nil for a closure that did not exist yet.
func (e *Expander) Apply(ctx context.Context, before, after *records.Closure) (Outcome, error) {
	if !after.IsActive {
		if before != nil && !before.IsActive {
			return Outcome{}, nil
		}
		removed, err := e.Remove(ctx, after.ID)
		return Outcome{Removed: removed}, err
	}
	if before != nil && before.IsActive && !BlocksChanged(before, after) {
		return Outcome{}, nil
	}
	return e.Replace(ctx, after)
}

// BlocksChanged reports whether the fields that shape a closure's blocks differ.
func BlocksChanged(before, after *records.Closure) bool {
	return before.StartDate != after.StartDate ||
		before.EndDate != after.EndDate ||
		!sameWallTime(before.StartTime, after.StartTime) ||
		!sameWallTime(before.EndTime, after.EndTime) ||
		before.AffectedAreas != after.AffectedAreas
}

func (e *Expander) window(closure *records.Closure) (businesstime.WallTime, businesstime.WallTime) {
	start, end := AllDayOpen, AllDayClose
	if closure.StartTime != nil {
		start = *closure.StartTime
	}
	if closure.EndTime != nil {
		end = *closure.EndTime
	}
	if end <= start {
		e.logger.Warn("closure time window is empty, blocking business hours",
			zap.String("closure_id", closure.ID),
			zap.String("start_time", start.String()),
			zap.String("end_time", end.String()))
		return AllDayOpen, AllDayClose
	}
	return start, end
}

func closureNote(closure *records.Closure) string {
	if closure.Reason != "" {
		return closure.Title + ": " + closure.Reason
	}
	return closure.Title
}

func sameWallTime(a, b *businesstime.WallTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ApplyClosure applies a closure change and discards the outcome.
func (e *Expander) ApplyClosure(ctx context.Context, before, after *records.Closure) error {
	_, err := e.Apply(ctx, before, after)
	return err
}
