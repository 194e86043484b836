// Package tzfinder maps coordinates to IANA timezone names offline.
package tzfinder

import (
	"fmt"
	"sync"

	"github.com/ringsaturn/tzf"
)

// Finder implements domain.TimezoneFinder using tzf's embedded boundaries.
type Finder struct {
	finder tzf.F
}

var (
	instance *Finder
	initErr  error
	once     sync.Once
)

// New returns the process-wide finder. tzf loads its boundary data into
// memory, so it is built once and shared.
func New() (*Finder, error) {
	once.Do(func() {
		f, err := tzf.NewDefaultFinder()
		if err != nil {
			initErr = fmt.Errorf("initialize timezone finder: %w", err)
			return
		}
		instance = &Finder{finder: f}
	})
	return instance, initErr
}

// Timezone returns the zone name at lat, lon, such as "America/Denver".
func (f *Finder) Timezone(lat, lon float64) (string, error) {
	// tzf takes longitude first.
	name := f.finder.GetTimezoneName(lon, lat)
	if name == "" {
		return "", fmt.Errorf("no timezone for lat=%f, lon=%f", lat, lon)
	}
	return name, nil
}
