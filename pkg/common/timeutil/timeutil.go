// Package timeutil provides a small abstraction over the system clock so
// components can be tested with a controlled time source.
package timeutil

import "time"

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Default returns a Provider backed by the system clock. Times are always
// reported in UTC.
func Default() Provider { return realProvider{} }
