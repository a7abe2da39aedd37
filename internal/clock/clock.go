// Package clock provides an injectable wall-clock source so that
// deadline, lifespan and liveliness timing can be tested deterministically.
package clock

import "time"

// Source is a source of the current time. The zero value is not usable;
// use Real() for production code and a fake in tests.
type Source func() time.Time

// Real returns the system wall clock.
func Real() Source { return time.Now }

// Fixed returns a Source that always reports t.
func Fixed(t time.Time) Source { return func() time.Time { return t } }
