package caldav

import (
	"strings"

	"github.com/emersion/go-ical"
)

// supportsEvents reports whether a collection accepts VEVENT objects. An
// empty component set means the server declared no restriction.
func (c *Collection) supportsEvents() bool {
	if len(c.SupportedComponents) == 0 {
		return true
	}
	for _, comp := range c.SupportedComponents {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// SelectCollection picks the push target: the first writable collection
// that accepts events, else the first writable one, else the first one
// discovered. It fails only when nothing was discovered.
func SelectCollection(collections []Collection) (*Collection, error) {
	if len(collections) == 0 {
		return nil, ErrNoCollections
	}

	var firstWritable *Collection
	for i := range collections {
		c := &collections[i]
		if c.ReadOnly {
			continue
		}
		if c.supportsEvents() {
			return c, nil
		}
		if firstWritable == nil {
			firstWritable = c
		}
	}
	if firstWritable != nil {
		return firstWritable, nil
	}
	return &collections[0], nil
}
