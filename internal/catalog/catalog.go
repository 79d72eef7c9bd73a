// Package catalog lists the locations users can be present at. The list is
// read-only to the presence engine and fixed for a process's lifetime.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"munchclub/pkg/model"

	"github.com/samber/lo"
)

var ErrLocationNotFound = errors.New("location not found")

type Catalog interface {
	// List returns every location in display order.
	List(ctx context.Context) ([]model.Location, error)
}

type Static struct {
	locations []model.Location
}

// NewStatic copies locations and sorts them by Order, then ID.
func NewStatic(locations []model.Location) *Static {
	sorted := make([]model.Location, len(locations))
	copy(sorted, locations)
	SortByOrder(sorted)
	return &Static{locations: sorted}
}

func (s *Static) List(ctx context.Context) ([]model.Location, error) {
	out := make([]model.Location, len(s.locations))
	copy(out, s.locations)
	return out, ctx.Err()
}

// Find looks up one location by id.
func Find(ctx context.Context, c Catalog, id string) (model.Location, error) {
	locations, err := c.List(ctx)
	if err != nil {
		return model.Location{}, err
	}
	location, ok := lo.Find(locations, func(l model.Location) bool { return l.ID == id })
	if !ok {
		return model.Location{}, fmt.Errorf("%w: %s", ErrLocationNotFound, id)
	}
	return location, nil
}

func SortByOrder(locations []model.Location) {
	sort.SliceStable(locations, func(i, j int) bool {
		if locations[i].Order != locations[j].Order {
			return locations[i].Order < locations[j].Order
		}
		return locations[i].ID < locations[j].ID
	})
}

// Cached loads the catalog once from an underlying source and serves every
// later List from memory.
func Cached(ctx context.Context, source Catalog) (*Static, error) {
	locations, err := source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load location catalog: %w", err)
	}
	return NewStatic(locations), nil
}
