package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/availability"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/resources"
	"gorm.io/gorm"
)

// ResourceCatalog reads the resources table.
type ResourceCatalog struct {
	db *gorm.DB
}

// NewResourceCatalog constructs a ResourceCatalog.
func NewResourceCatalog(db *gorm.DB) *ResourceCatalog {
	return &ResourceCatalog{db: db}
}

// ListResources returns every resource ordered by identifier.
func (c *ResourceCatalog) ListResources(ctx context.Context) ([]resources.Resource, error) {
	var rows []resources.Resource
	if err := c.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Resource loads a single resource.
func (c *ResourceCatalog) Resource(ctx context.Context, id int64) (resources.Resource, error) {
	var row resources.Resource
	err := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return resources.Resource{}, fmt.Errorf("%w: %d", availability.ErrUnknownResource, id)
	}
	if err != nil {
		return resources.Resource{}, err
	}
	return row, nil
}

// SaveResource inserts or updates a resource.
func (c *ResourceCatalog) SaveResource(ctx context.Context, resource *resources.Resource) error {
	return c.db.WithContext(ctx).Save(resource).Error
}
