// Package catalog exposes the read interface the engine consumes from the
// commodity catalog service: quality schemas, per-commodity defaults and
// region distances.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// QualitySchema describes the parameters a commodity is graded on.
type QualitySchema struct {
	CommodityID string
	Parameters  []QualityParameter
}

// QualityParameter is one graded attribute, numeric or enumerated.
type QualityParameter struct {
	Name       string
	Numeric    bool
	Unit       string
	GradeOrder []string // for enumerated parameters, best first
}

// Catalog is the commodity catalog read interface.
type Catalog interface {
	GetQualitySchema(ctx context.Context, commodityID string) (*QualitySchema, error)
	RegionDistanceKM(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticCatalog serves schemas and distances from memory. Used in tests and
// as a local cache fallback when the catalog service is degraded.
type StaticCatalog struct {
	schemas   map[string]*QualitySchema
	distances map[string]decimal.Decimal
	mu        sync.RWMutex
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		schemas:   make(map[string]*QualitySchema),
		distances: make(map[string]decimal.Decimal),
	}
}

func (c *StaticCatalog) PutSchema(s *QualitySchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[s.CommodityID] = s
}

func (c *StaticCatalog) PutDistance(from, to string, km decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distances[from+"|"+to] = km
	c.distances[to+"|"+from] = km
}

func (c *StaticCatalog) GetQualitySchema(ctx context.Context, commodityID string) (*QualitySchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[commodityID]
	if !ok {
		return nil, fmt.Errorf("no quality schema for commodity %s", commodityID)
	}
	return s, nil
}

func (c *StaticCatalog) RegionDistanceKM(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.Zero, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.distances[from+"|"+to]
	if !ok {
		return decimal.Zero, fmt.Errorf("no distance between %s and %s", from, to)
	}
	return d, nil
}
