// Package cache memoizes query results. The orchestrator's query stays
// cache-agnostic: callers compose a Cache around it explicitly.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/service/geometry"
)

// Cache stores search results keyed by serialized query criteria
type Cache interface {
	Get(key string) ([]common.AcquisitionRecord, bool)
	Put(key string, records []common.AcquisitionRecord)
}

// Key canonically serializes (provider, sensor, criteria). Two equal queries
// always produce the same key.
func Key(provider, sensorID string, criteria common.SearchCriteria) string {
	parts := []string{provider, sensorID}
	if !criteria.Start.IsZero() {
		parts = append(parts, "start="+criteria.Start.UTC().Format(time.RFC3339))
	}
	if !criteria.End.IsZero() {
		parts = append(parts, "end="+criteria.End.UTC().Format(time.RFC3339))
	}
	if criteria.AOI != nil {
		if wkt, err := geometry.EncodeWKT(criteria.AOI); err == nil {
			parts = append(parts, "aoi="+wkt)
		}
	}
	if len(criteria.NameContains) > 0 {
		contains := append([]string(nil), criteria.NameContains...)
		sort.Strings(contains)
		parts = append(parts, "contains="+strings.Join(contains, ","))
	}
	if criteria.CloudCoverMax > 0 {
		parts = append(parts, fmt.Sprintf("cloud=%g", criteria.CloudCoverMax))
	}
	return strings.Join(parts, "|")
}

// Memory is a process-local Cache safe for concurrent use
type Memory struct {
	mu sync.RWMutex
	m  map[string][]common.AcquisitionRecord
}

func NewMemory() *Memory {
	return &Memory{m: map[string][]common.AcquisitionRecord{}}
}

func (c *Memory) Get(key string) ([]common.AcquisitionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records, ok := c.m[key]
	return records, ok
}

func (c *Memory) Put(key string, records []common.AcquisitionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = append([]common.AcquisitionRecord(nil), records...)
}

// Query wraps a query function with the cache: on a hit the function is not
// called at all.
func Query(c Cache, key string, query func() ([]common.AcquisitionRecord, error)) ([]common.AcquisitionRecord, error) {
	if c != nil {
		if records, ok := c.Get(key); ok {
			return records, nil
		}
	}
	records, err := query()
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.Put(key, records)
	}
	return records, nil
}
