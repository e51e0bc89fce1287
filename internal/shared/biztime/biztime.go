// Package biztime centralizes time handling. All storage and transport
// use UTC; Now is indirected through a package variable so tests can
// pin the clock.
package biztime

import "time"

// nowFunc is replaced in tests to freeze time.
var nowFunc = time.Now

// NowUTC returns the current time in UTC.
func NowUTC() time.Time {
	return nowFunc().UTC()
}

// SetNowFunc overrides the clock. Returns a restore function; intended
// for tests only.
func SetNowFunc(fn func() time.Time) func() {
	prev := nowFunc
	nowFunc = fn
	return func() { nowFunc = prev }
}
