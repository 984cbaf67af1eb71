// Package gateway exposes scan job progress to external subscribers over
// WebSocket connections.
//
// Connection lifecycle:
//  1. A client opens /ws/scans/{jobID} with an owner token. The gateway
//     authenticates the token against the job's ownership record before any
//     event is sent; failures close the socket with an application close
//     code (4001 unauthorized, 4004 unknown job).
//  2. The subscriber is brought up to date: a reconnect presenting last_seq
//     gets the missed tail replayed from the aggregator's retained backlog,
//     anyone else gets the latest snapshot. A resume point that has aged out
//     of the backlog window, or an unparsable resume token, is answered with
//     a resync_required frame followed by a fresh snapshot.
//  3. Live events flow as the aggregator publishes them. Every sequenced
//     frame carries the job's monotonically increasing sequence number so
//     clients can detect gaps; heartbeats are sent on a fixed interval so
//     clients can distinguish a quiet scan from a dead connection.
//  4. On the job's terminal event the gateway delivers the completion frame,
//     holds the connection briefly to let it land, and closes server-side.
//
// Reliability model: delivery is at-most-once per connection with gap
// detection delegated to the client via sequence numbers. The gateway never
// blocks the aggregator's event path on a slow subscriber; a connection
// whose send buffer fills is dropped and must reconnect with last_seq.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvidsec/raven/internal/domain/events"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
	"github.com/corvidsec/raven/pkg/common/timeutil"
)

const (
	// DefaultHeartbeatInterval is how often a heartbeat frame is sent on
	// every live connection, independent of scan activity.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultCompletionHold is how long a connection is held open after the
	// completion frame is written, giving the client time to receive it
	// before the server-side close.
	DefaultCompletionHold = 2 * time.Second

	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64

	// pendingCatchUpLimit bounds events parked while a connection's backfill
	// is being assembled. The window is a few milliseconds long; hitting the
	// limit means the subscriber joined a stream far too hot for it.
	pendingCatchUpLimit = 256

	// maxClientMessageBytes bounds inbound frames. Clients only send small
	// control messages (ping, request_status).
	maxClientMessageBytes = 1024
)

// Application close codes, matching what subscribers key their error
// handling on.
const (
	closeCodeInternal     = 4000
	closeCodeUnauthorized = 4001
	closeCodeUnknownJob   = 4004
)

// StreamSource provides the retained stream state a subscriber needs on
// connect: the newest snapshot and the bounded replay window.
type StreamSource interface {
	// LatestSnapshot returns the most recent progress snapshot event for a
	// job, if any is retained.
	LatestSnapshot(jobID uuid.UUID) (domain.JobStreamEvent, bool)

	// Replay returns retained events after the given sequence number. The
	// second return is false when the job is unknown or the window has
	// expired, meaning the subscriber needs a full resync.
	Replay(jobID uuid.UUID, afterSeq uint64) ([]domain.JobStreamEvent, bool)
}

// JobReader is the slice of the job ledger the gateway needs: ownership
// lookups on connect and terminal summaries for subscribers arriving after
// the aggregator has retired a job's stream state.
type JobReader interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	FindingSeverityCounts(ctx context.Context, jobID uuid.UUID) (domain.SeverityCounts, error)
}

// ServiceOption is a functional option for configuring the gateway service.
type ServiceOption func(*Service)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
	}
}

// WithCompletionHold overrides how long a connection is held open after the
// completion frame before the server-side close.
func WithCompletionHold(hold time.Duration) ServiceOption {
	return func(s *Service) {
		if hold >= 0 {
			s.completionHold = hold
		}
	}
}

// WithWriteTimeout overrides the per-frame write deadline.
func WithWriteTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// WithTimeProvider sets a custom time provider, primarily for testing.
func WithTimeProvider(tp timeutil.Provider) ServiceOption {
	return func(s *Service) { s.timeProvider = tp }
}

// Service fans aggregated job stream events out to WebSocket subscribers.
// It owns a per-job subscriber registry that is populated on connect and
// torn down as the last subscriber of a job disconnects.
type Service struct {
	instanceID string

	streams StreamSource
	ledger  JobReader

	upgrader websocket.Upgrader

	subsMu sync.RWMutex
	subs   map[uuid.UUID]map[*streamConn]struct{}

	heartbeatInterval time.Duration
	completionHold    time.Duration
	writeTimeout      time.Duration
	sendBuffer        int

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewService assembles the streaming gateway from its collaborators. The
// instanceID distinguishes this process in traces and logs.
func NewService(
	instanceID string,
	streams StreamSource,
	ledger JobReader,
	log *logger.Logger,
	tracer trace.Tracer,
	options ...ServiceOption,
) *Service {
	svc := &Service{
		instanceID: instanceID,
		streams:    streams,
		ledger:     ledger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscriptions are authorized per job by owner token, not by
			// cookies, so cross-origin upgrades carry no ambient authority.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs:              make(map[uuid.UUID]map[*streamConn]struct{}),
		heartbeatInterval: DefaultHeartbeatInterval,
		completionHold:    DefaultCompletionHold,
		writeTimeout:      defaultWriteTimeout,
		sendBuffer:        defaultSendBuffer,
		timeProvider:      timeutil.Default(),
		logger:            log.With("component", "stream_gateway"),
		tracer:            tracer,
	}

	for _, opt := range options {
		opt(svc)
	}

	return svc
}

// Subscribe registers the gateway on the bus for aggregated stream events.
func (s *Service) Subscribe(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, []events.EventType{domain.EventTypeJobStreamEmitted}, s.handleStreamEmitted)
}

// handleStreamEmitted forwards one aggregated stream event to the job's
// subscribers.
func (s *Service) handleStreamEmitted(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	emitted, ok := evt.Payload.(domain.JobStreamEmittedEvent)
	if !ok {
		err := fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}
	s.fanout(ctx, emitted.Event)
	ack(nil)
	return nil
}

// fanout encodes the event once and enqueues it on every subscriber of the
// job. The registry lock is held only to copy the subscriber set; sends
// happen outside it so a slow connection can never stall the event path.
func (s *Service) fanout(ctx context.Context, evt domain.JobStreamEvent) {
	s.subsMu.RLock()
	set := s.subs[evt.JobID]
	if len(set) == 0 {
		s.subsMu.RUnlock()
		return
	}
	conns := make([]*streamConn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	s.subsMu.RUnlock()

	payload, err := encodeStreamEvent(evt)
	if err != nil {
		s.logger.Error(ctx, "failed to encode stream event",
			"job_id", evt.JobID,
			"seq", evt.Seq,
			"kind", evt.Kind,
			"error", err,
		)
		return
	}

	frame := outboundFrame{
		seq:      evt.Seq,
		payload:  payload,
		terminal: evt.Kind == domain.StreamKindCompletion,
	}
	for _, conn := range conns {
		if !conn.enqueue(frame) {
			s.logger.Warn(ctx, "dropping stream subscriber that cannot keep up",
				"job_id", evt.JobID,
				"seq", evt.Seq,
			)
			s.teardown(conn)
		}
	}
}

// register adds a connection to its job's subscriber set.
func (s *Service) register(conn *streamConn) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[conn.jobID]
	if !ok {
		set = make(map[*streamConn]struct{})
		s.subs[conn.jobID] = set
	}
	set[conn] = struct{}{}
}

// unregister removes a connection and retires the job's subscriber set when
// it empties.
func (s *Service) unregister(conn *streamConn) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[conn.jobID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(s.subs, conn.jobID)
	}
}

// teardown unregisters and closes a connection. Safe to call from any
// goroutine, any number of times.
func (s *Service) teardown(conn *streamConn) {
	conn.once.Do(func() {
		conn.markClosed()
		close(conn.done)
		s.unregister(conn)
		_ = conn.ws.Close()
	})
}

// closeWithCode writes a close frame so the client sees the reason, then
// tears the connection down.
func (s *Service) closeWithCode(conn *streamConn, code int, reason string) {
	deadline := s.timeProvider.Now().Add(s.writeTimeout)
	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.teardown(conn)
}

// writePump is the single writer for a connection. It first lands the
// backfill directly on the socket (the send buffer is sized for live
// traffic, not for a full replay window), switches the connection to live
// delivery, then drains the send buffer, emits heartbeats on a fixed
// cadence, and performs the server-side close after the stream's terminal
// frame.
func (s *Service) writePump(ctx context.Context, conn *streamConn, backfill []outboundFrame) {
	for _, frame := range backfill {
		if err := s.writeFrame(conn, frame.payload); err != nil {
			s.logger.Debug(ctx, "backfill write failed", "job_id", conn.jobID, "error", err)
			s.teardown(conn)
			return
		}
		if frame.seq > 0 {
			conn.noteDelivered(frame.seq)
		}
		if frame.terminal {
			select {
			case <-time.After(s.completionHold):
			case <-conn.done:
			}
			s.closeWithCode(conn, websocket.CloseNormalClosure, "scan complete")
			return
		}
	}

	if !conn.beginLive() {
		s.logger.Warn(ctx, "subscriber overflowed during catch-up", "job_id", conn.jobID)
		s.teardown(conn)
		return
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-conn.done:
			return

		case frame := <-conn.send:
			if err := s.writeFrame(conn, frame.payload); err != nil {
				s.logger.Debug(ctx, "stream write failed", "job_id", conn.jobID, "error", err)
				s.teardown(conn)
				return
			}
			if frame.terminal {
				select {
				case <-time.After(s.completionHold):
				case <-conn.done:
				}
				s.closeWithCode(conn, websocket.CloseNormalClosure, "scan complete")
				return
			}

		case <-heartbeat.C:
			payload, err := encodeHeartbeat(conn.jobID.String(), s.timeProvider.Now())
			if err != nil {
				continue
			}
			if err := s.writeFrame(conn, payload); err != nil {
				s.logger.Debug(ctx, "heartbeat write failed", "job_id", conn.jobID, "error", err)
				s.teardown(conn)
				return
			}
		}
	}
}

func (s *Service) writeFrame(conn *streamConn, payload []byte) error {
	if err := conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return conn.ws.WriteMessage(websocket.TextMessage, payload)
}

// readPump consumes client control messages until the connection drops.
// Clients may ping (answered with a pong) or request the current snapshot to
// be redelivered.
func (s *Service) readPump(ctx context.Context, conn *streamConn) {
	defer s.teardown(conn)

	conn.ws.SetReadLimit(maxClientMessageBytes)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(ctx, "stream subscriber disconnected", "job_id", conn.jobID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn(ctx, "ignoring malformed client message", "job_id", conn.jobID, "error", err)
			continue
		}

		switch msg.Type {
		case clientMessagePing:
			payload, err := encodePong(s.timeProvider.Now())
			if err != nil {
				continue
			}
			// Control frames bypass the sequence gate.
			conn.enqueue(outboundFrame{payload: payload})

		case clientMessageRequestStatus:
			evt, ok := s.streams.LatestSnapshot(conn.jobID)
			if !ok {
				continue
			}
			payload, err := encodeStreamEvent(evt)
			if err != nil {
				continue
			}
			// Redelivery of an already-sent sequence number, so it must not
			// advance the gate.
			conn.enqueue(outboundFrame{payload: payload})

		default:
			s.logger.Debug(ctx, "ignoring unknown client message type", "job_id", conn.jobID, "type", msg.Type)
		}
	}
}

// Close drops every active subscriber. Used during process shutdown, where
// the HTTP server's own shutdown does not reach hijacked connections.
func (s *Service) Close(ctx context.Context) error {
	logger := s.logger.With("operation", "close")
	_, span := s.tracer.Start(ctx, "gateway.close",
		trace.WithAttributes(attribute.String("instance_id", s.instanceID)),
	)
	defer span.End()

	s.subsMu.RLock()
	conns := make([]*streamConn, 0)
	for _, set := range s.subs {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	s.subsMu.RUnlock()

	for _, conn := range conns {
		s.closeWithCode(conn, websocket.CloseGoingAway, "server shutting down")
	}

	span.AddEvent("gateway_closed", trace.WithAttributes(attribute.Int("connections_dropped", len(conns))))
	logger.Info(ctx, "stream gateway closed", "connections_dropped", len(conns))
	return nil
}
