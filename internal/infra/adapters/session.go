// Package adapters provides the concrete engine adapters and their registry.
// Each adapter wraps one scanning capability behind the uniform
// scanning.EngineAdapter contract: web_vuln drives a ZAP-compatible daemon
// over its JSON API, port_scan performs a native TCP connect sweep, and
// ssl_tls inspects TLS handshakes and certificates directly.
package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvidsec/raven/internal/domain/scanning"
)

// updateBuffer sizes each session's update channel. It absorbs bursts such as
// a batch of findings landing while the consumer is mid-write.
const updateBuffer = 64

var _ scanning.RunHandle = (*session)(nil)

// session is the RunHandle implementation shared by the concrete adapters.
// The adapter's scan function runs on its own goroutine under scanCtx, which
// Cancel ends cooperatively and Kill ends along with cleanupCtx. cleanupCtx
// outlives a cooperative cancel so tool-side stop actions can still land.
type session struct {
	updates chan scanning.RunUpdate

	scanCtx    context.Context
	cleanupCtx context.Context
	softCancel context.CancelFunc
	hardCancel context.CancelFunc

	finishOnce sync.Once
}

func newSession(ctx context.Context) *session {
	cleanupCtx, hardCancel := context.WithCancel(ctx)
	scanCtx, softCancel := context.WithCancel(cleanupCtx)
	return &session{
		updates:    make(chan scanning.RunUpdate, updateBuffer),
		scanCtx:    scanCtx,
		cleanupCtx: cleanupCtx,
		softCancel: softCancel,
		hardCancel: hardCancel,
	}
}

// Updates returns the stream of run notifications. The channel closes after
// the terminal update.
func (s *session) Updates() <-chan scanning.RunUpdate { return s.updates }

// Cancel requests cooperative termination of the scan body.
func (s *session) Cancel(context.Context) error {
	s.softCancel()
	return nil
}

// Kill force-terminates the session, cleanup included.
func (s *session) Kill() { s.hardCancel() }

// run executes the scan function on its own goroutine, converting its return
// and any panic into the session's single terminal update.
func (s *session) run(scan func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.finish(fmt.Errorf("engine session panic: %v", r))
			}
		}()
		s.finish(scan(s.scanCtx))
	}()
}

// emitProgress sends a non-terminal progress update. Returns false when the
// session is being torn down and the update was dropped.
func (s *session) emitProgress(fraction float64, message string) bool {
	return s.emit(scanning.RunUpdate{Fraction: fraction, Message: message})
}

// emitFinding sends a finding update carrying the current fraction.
func (s *session) emitFinding(fraction float64, f *scanning.Finding) bool {
	return s.emit(scanning.RunUpdate{Fraction: fraction, Finding: f})
}

func (s *session) emit(u scanning.RunUpdate) bool {
	select {
	case s.updates <- u:
		return true
	case <-s.cleanupCtx.Done():
		return false
	}
}

// finish emits the terminal update exactly once and closes the stream. A nil
// error marks success. When the consumer has already killed the session and
// stopped reading, the terminal update is dropped rather than blocking.
func (s *session) finish(err error) {
	s.finishOnce.Do(func() {
		select {
		case s.updates <- scanning.RunUpdate{Done: true, Err: err}:
		case <-s.cleanupCtx.Done():
		}
		close(s.updates)
	})
}
