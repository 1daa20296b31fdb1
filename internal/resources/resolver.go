package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Area tokens accepted in a closure's affected-areas descriptor.
const (
	AreaEntireFacility = "entire_facility"
	AreaAllBays        = "all_bays"
	AreaConferenceRoom = "conference_room"
	areaBayPrefix      = "bay_"
)

var errMissingCatalog = errors.New("resources: catalog is required")

// Resolver maps an affected-areas descriptor to concrete resource identifiers.
type Resolver struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewResolver constructs a resolver backed by the given catalog.
func NewResolver(catalog Catalog, logger *zap.Logger) (*Resolver, error) {
	if catalog == nil {
		return nil, errMissingCatalog
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{catalog: catalog, logger: logger}, nil
}

// Resolve returns the resources covered by affectedAreas. The descriptor may be a
// single token, a JSON array of tokens, or a comma-separated list. A descriptor
// that resolves to nothing yields the entire facility; over-blocking is preferred
// to a closure that silently protects nothing.
func (r *Resolver) Resolve(ctx context.Context, affectedAreas string) (Set, error) {
	inventory, err := r.catalog.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("resources: list resources: %w", err)
	}

	resolved := NewSet()
	for _, token := range splitTokens(affectedAreas) {
		for id := range resolveToken(token, inventory) {
			resolved.Add(id)
		}
	}
	if len(resolved) > 0 {
		return resolved, nil
	}

	fallback := entireFacility(inventory)
	r.logger.Warn("affected areas resolved to no resources, blocking entire facility",
		zap.String("affected_areas", affectedAreas),
		zap.Int("resource_count", len(fallback)))
	return fallback, nil
}

func splitTokens(affectedAreas string) []string {
	trimmed := strings.TrimSpace(affectedAreas)
	if trimmed == "" {
		return nil
	}

	var raw []string
	if strings.HasPrefix(trimmed, "[") {
		var decoded []string
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			raw = decoded
		} else {
			raw = strings.Split(strings.Trim(trimmed, "[]"), ",")
		}
	} else {
		raw = strings.Split(trimmed, ",")
	}

	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		normalized := strings.ToLower(strings.Trim(strings.TrimSpace(token), `"'`))
		if normalized != "" {
			tokens = append(tokens, normalized)
		}
	}
	return tokens
}

func resolveToken(token string, inventory []Resource) Set {
	switch token {
	case AreaEntireFacility:
		return entireFacility(inventory)
	case AreaAllBays:
		return activeBays(inventory)
	case AreaConferenceRoom:
		matched := NewSet()
		for _, resource := range inventory {
			if strings.Contains(strings.ToLower(resource.Name), "conference") {
				matched.Add(resource.ID)
			}
		}
		return matched
	}

	if suffix, ok := strings.CutPrefix(token, areaBayPrefix); ok {
		id, err := strconv.ParseInt(suffix, 10, 64)
		if err == nil && id > 0 {
			return NewSet(id)
		}
	}
	return nil
}

func activeBays(inventory []Resource) Set {
	bays := NewSet()
	for _, resource := range inventory {
		if resource.IsBay() && resource.IsActive {
			bays.Add(resource.ID)
		}
	}
	return bays
}

func entireFacility(inventory []Resource) Set {
	all := activeBays(inventory)
	for _, resource := range inventory {
		if !resource.IsBay() {
			all.Add(resource.ID)
		}
	}
	return all
}
