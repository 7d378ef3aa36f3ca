// clock.go: Time sources for record timestamps
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"time"

	"github.com/agilira/go-timecache"
)

// Clock supplies the current time to Write and to the rollover machinery.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// cachedClock reads a millisecond time cache instead of calling time.Now on
// every record. It is owned by one appender and stopped with it.
type cachedClock struct {
	tc *timecache.TimeCache
}

func newCachedClock() *cachedClock {
	return &cachedClock{tc: timecache.NewWithResolution(time.Millisecond)}
}

func (c *cachedClock) Now() time.Time { return c.tc.CachedTime() }

func (c *cachedClock) stop() { c.tc.Stop() }
