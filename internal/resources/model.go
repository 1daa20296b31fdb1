package resources

import (
	"context"
	"slices"
	"strings"
)

// Resource types recognized by the resolver and availability schedules.
const (
	TypeSimulator      = "simulator"
	TypeConferenceRoom = "conference_room"
	TypeWellnessStudio = "wellness_studio"
)

// Resource is a bookable club asset such as a simulator bay or the conference room.
type Resource struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name         string `gorm:"column:name;size:255;not null"`
	Type         string `gorm:"column:type;size:64;not null;index"`
	IsActive     bool   `gorm:"column:is_active;not null"`
	CalendarName string `gorm:"column:calendar_name;size:255;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Resource) TableName() string {
	return "resources"
}

// IsBay reports whether the resource is a golf-simulator bay.
func (r Resource) IsBay() bool {
	return strings.EqualFold(r.Type, TypeSimulator)
}

// CalendarBacked reports whether live busy periods of an external calendar apply to the resource.
func (r Resource) CalendarBacked() bool {
	return strings.TrimSpace(r.CalendarName) != ""
}

// Catalog reads the resource inventory.
type Catalog interface {
	ListResources(ctx context.Context) ([]Resource, error)
}

// Set is an unordered collection of resource identifiers.
type Set map[int64]struct{}

// NewSet builds a set from the given identifiers.
func NewSet(ids ...int64) Set {
	set := make(Set, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s Set) Add(id int64) {
	s[id] = struct{}{}
}

func (s Set) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the identifiers in ascending order.
func (s Set) Sorted() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
