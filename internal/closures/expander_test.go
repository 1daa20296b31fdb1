package closures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type staticAreas map[string][]int64

func (s staticAreas) Resolve(_ context.Context, affectedAreas string) (resources.Set, error) {
	ids, ok := s[affectedAreas]
	if !ok {
		return nil, fmt.Errorf("unexpected descriptor %q", affectedAreas)
	}
	return resources.NewSet(ids...), nil
}

type memoryBlocks struct {
	mu     sync.Mutex
	blocks map[string]availability.Block
}

func newMemoryBlocks() *memoryBlocks {
	return &memoryBlocks{blocks: map[string]availability.Block{}}
}

func blockKey(block availability.Block) string {
	source := ""
	if block.SourceClosureID != nil {
		source = *block.SourceClosureID
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s", block.ResourceID, block.Date, block.StartTime, block.EndTime, source)
}

func (m *memoryBlocks) InsertBlocks(_ context.Context, blocks []availability.Block) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, block := range blocks {
		key := blockKey(block)
		if _, exists := m.blocks[key]; exists {
			continue
		}
		m.blocks[key] = block
		inserted++
	}
	return inserted, nil
}

func (m *memoryBlocks) DeleteBlocksForClosure(_ context.Context, closureID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, block := range m.blocks {
		if block.SourceClosureID != nil && *block.SourceClosureID == closureID {
			delete(m.blocks, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryBlocks) forClosure(closureID string) []availability.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []availability.Block
	for _, block := range m.blocks {
		if block.SourceClosureID != nil && *block.SourceClosureID == closureID {
			matched = append(matched, block)
		}
	}
	return matched
}

func mustDate(t *testing.T, value string) businesstime.Date {
	t.Helper()
	date, err := businesstime.ParseDate(value)
	if err != nil {
		t.Fatalf("invalid date %q: %v", value, err)
	}
	return date
}

func mustExpander(t *testing.T, blocks BlockStore, logger *zap.Logger) *Expander {
	t.Helper()
	areas := staticAreas{"all_bays": {1, 2, 3}, "bay_1": {1}, "entire_facility": {1, 2, 3, 7, 8}}
	expander, err := NewExpander(areas, blocks, logger)
	if err != nil {
		t.Fatalf("failed to build expander: %v", err)
	}
	return expander
}

func threeDayClosure(t *testing.T) *records.Closure {
	return &records.Closure{
		ID:            "closure-1",
		Title:         "Aeration",
		StartDate:     mustDate(t, "2024-07-15"),
		EndDate:       mustDate(t, "2024-07-17"),
		AffectedAreas: "all_bays",
		IsActive:      true,
	}
}

func TestExpandWritesOneBlockPerResourceAndDay(t *testing.T) {
	blocks := newMemoryBlocks()
	expander := mustExpander(t, blocks, nil)
	closure := threeDayClosure(t)

	inserted, err := expander.Expand(context.Background(), closure)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if inserted != 9 {
		t.Fatalf("expected 9 blocks, got %d", inserted)
	}
	for _, block := range blocks.forClosure(closure.ID) {
		if block.StartTime != AllDayOpen || block.EndTime != AllDayClose {
			t.Fatalf("expected all-day window, got %s-%s", block.StartTime, block.EndTime)
		}
		if block.BlockType != availability.BlockTypeClosure {
			t.Fatalf("unexpected block type %q", block.BlockType)
		}
	}

	again, err := expander.Expand(context.Background(), closure)
	if err != nil {
		t.Fatalf("second expand failed: %v", err)
	}
	if again != 0 || len(blocks.forClosure(closure.ID)) != 9 {
		t.Fatalf("expected duplicate expansion to be a no-op, inserted %d", again)
	}

	removed, err := expander.Remove(context.Background(), closure.ID)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed != 9 || len(blocks.forClosure(closure.ID)) != 0 {
		t.Fatalf("expected exactly 9 blocks removed, got %d", removed)
	}
}

func TestExpandUsesTimedWindowWithDefaults(t *testing.T) {
	testCases := []struct {
		name      string
		start     *businesstime.WallTime
		end       *businesstime.WallTime
		wantStart businesstime.WallTime
		wantEnd   businesstime.WallTime
	}{
		{name: "both bounds", start: wallPointer(12, 0), end: wallPointer(15, 30), wantStart: businesstime.NewWallTime(12, 0), wantEnd: businesstime.NewWallTime(15, 30)},
		{name: "start only", start: wallPointer(17, 0), wantStart: businesstime.NewWallTime(17, 0), wantEnd: AllDayClose},
		{name: "end only", end: wallPointer(11, 0), wantStart: AllDayOpen, wantEnd: businesstime.NewWallTime(11, 0)},
		{name: "inverted window", start: wallPointer(15, 0), end: wallPointer(9, 0), wantStart: AllDayOpen, wantEnd: AllDayClose},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			blocks := newMemoryBlocks()
			expander := mustExpander(t, blocks, nil)
			date := mustDate(t, "2024-07-15")
			closure := &records.Closure{ID: "timed", Title: "Event", StartDate: date, EndDate: date, StartTime: testCase.start, EndTime: testCase.end, AffectedAreas: "bay_1", IsActive: true}

			if _, err := expander.Expand(context.Background(), closure); err != nil {
				t.Fatalf("expand failed: %v", err)
			}
			written := blocks.forClosure("timed")
			if len(written) != 1 {
				t.Fatalf("expected one block, got %d", len(written))
			}
			if written[0].StartTime != testCase.wantStart || written[0].EndTime != testCase.wantEnd {
				t.Fatalf("got %s-%s, want %s-%s", written[0].StartTime, written[0].EndTime, testCase.wantStart, testCase.wantEnd)
			}
		})
	}
}

func TestExpandReversedRangeBlocksStartDateAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	blocks := newMemoryBlocks()
	expander := mustExpander(t, blocks, zap.New(core))
	closure := threeDayClosure(t)
	closure.StartDate, closure.EndDate = closure.EndDate, closure.StartDate

	inserted, err := expander.Expand(context.Background(), closure)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected one day of blocks, got %d", inserted)
	}
	for _, block := range blocks.forClosure(closure.ID) {
		if block.Date != closure.StartDate {
			t.Fatalf("expected block on start date, got %s", block.Date)
		}
	}
	if logs.FilterMessage("closure date range is reversed, blocking start date only").Len() != 1 {
		t.Fatalf("expected a reversed range warning")
	}
}

func TestApplyReactsToClosureChanges(t *testing.T) {
	ctx := context.Background()
	blocks := newMemoryBlocks()
	expander := mustExpander(t, blocks, nil)
	closure := threeDayClosure(t)

	outcome, err := expander.Apply(ctx, nil, closure)
	if err != nil || outcome.Inserted != 9 {
		t.Fatalf("expected new closure to expand, got %+v (%v)", outcome, err)
	}

	renamed := *closure
	renamed.Title = "Aeration and topdressing"
	outcome, err = expander.Apply(ctx, closure, &renamed)
	if err != nil || outcome != (Outcome{}) {
		t.Fatalf("expected title change to leave blocks alone, got %+v (%v)", outcome, err)
	}

	shortened := renamed
	shortened.EndDate = mustDate(t, "2024-07-16")
	outcome, err = expander.Apply(ctx, &renamed, &shortened)
	if err != nil || outcome.Removed != 9 || outcome.Inserted != 6 {
		t.Fatalf("expected window change to replace blocks, got %+v (%v)", outcome, err)
	}

	widened := shortened
	widened.AffectedAreas = "entire_facility"
	outcome, err = expander.Apply(ctx, &shortened, &widened)
	if err != nil || outcome.Removed != 6 || outcome.Inserted != 10 {
		t.Fatalf("expected area change to replace blocks, got %+v (%v)", outcome, err)
	}

	deactivated := widened
	deactivated.IsActive = false
	outcome, err = expander.Apply(ctx, &widened, &deactivated)
	if err != nil || outcome.Removed != 10 || len(blocks.forClosure(closure.ID)) != 0 {
		t.Fatalf("expected deactivation to remove blocks, got %+v (%v)", outcome, err)
	}
}

type failingAreas struct{}

func (failingAreas) Resolve(context.Context, string) (resources.Set, error) {
	return nil, errors.New("catalog offline")
}

func TestExpandPropagatesResolverFailure(t *testing.T) {
	expander, err := NewExpander(failingAreas{}, newMemoryBlocks(), nil)
	if err != nil {
		t.Fatalf("failed to build expander: %v", err)
	}
	if _, err := expander.Expand(context.Background(), threeDayClosure(t)); err == nil {
		t.Fatalf("expected resolver failure to be returned")
	}
}

func wallPointer(hour, minute int) *businesstime.WallTime {
	value := businesstime.NewWallTime(hour, minute)
	return &value
}
