package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/closures"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"gorm.io/gorm"
)

// ClosureStore adapts the closures table to the closures service.
type ClosureStore struct {
	table *Table[records.Closure, *records.Closure]
}

// NewClosureStore constructs a ClosureStore.
func NewClosureStore(db *gorm.DB) *ClosureStore {
	return &ClosureStore{table: Closures(db)}
}

// Closure loads a closure; unknown identifiers yield closures.ErrClosureNotFound.
func (s *ClosureStore) Closure(ctx context.Context, id string) (*records.Closure, error) {
	closure, err := s.table.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", closures.ErrClosureNotFound, id)
	}
	return closure, err
}

// CreateClosure inserts a closure.
func (s *ClosureStore) CreateClosure(ctx context.Context, closure *records.Closure) error {
	return s.table.Create(ctx, closure)
}

// SaveClosure updates a closure.
func (s *ClosureStore) SaveClosure(ctx context.Context, closure *records.Closure) error {
	return s.table.Save(ctx, closure)
}
