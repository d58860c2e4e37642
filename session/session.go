// Package session implements the mirroring connection state machine.
// A Session owns its carrier's lifecycle, sequences the connect
// handshake, runs the receive loop, orders outbound frames through a
// single sender worker, and reports transitions and transport errors
// on a typed event channel.
//
// At most one session is non-Disconnected per Session value; a connect
// attempt while Connecting or Connected is rejected with
// ErrAlreadyActive, never queued.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirrorcast/mirrorcast/bitrate"
	"github.com/mirrorcast/mirrorcast/crypto"
	"github.com/mirrorcast/mirrorcast/input"
	"github.com/mirrorcast/mirrorcast/protocol"
	"github.com/mirrorcast/mirrorcast/transport"
)

// State is the session's connection state.
type State int

const (
	// StateDisconnected is the idle state; connect may be issued.
	StateDisconnected State = iota
	// StateConnecting covers the asynchronous carrier dial.
	StateConnecting
	// StateConnected means the carrier is up and both workers run.
	StateConnected
	// StateError is a terminal failure; Reset returns to Disconnected.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrAlreadyActive indicates a connect attempt while another session
// is Connecting or Connected. Pure API misuse: no state changes.
var ErrAlreadyActive = errors.New("session already active")

// maxConsecutiveAuthFailures escalates repeated decrypt failures to a
// session error (possible tampering or key desync).
const maxConsecutiveAuthFailures = 3

// defaultSendQueueSize bounds the outbound work queue. Frames are
// dropped, not reordered, when the queue is full; drops feed the
// bitrate controller as congestion signal.
const defaultSendQueueSize = 64

// eventBufferSize bounds the event channel. A consumer that stops
// draining loses events rather than wedging the receive loop.
const eventBufferSize = 256

// Options configures a Session. The zero value is usable.
type Options struct {
	// DeadZoneThreshold filters analog input noise (see input.Tracker).
	DeadZoneThreshold float32

	// SendQueueSize overrides the outbound queue bound.
	SendQueueSize int

	// Bitrate configures the adaptive bitrate controller; nil uses
	// bitrate.DefaultConfig.
	Bitrate *bitrate.Config

	// InitialBitrate is the encoder's starting target (bps).
	InitialBitrate uint32

	// DialerFor overrides carrier construction, used by tests to
	// inject in-memory carriers. Defaults to transport.NewDialer.
	DialerFor func(kind transport.Kind) (transport.Dialer, error)
}

// Session is one logical mirroring connection.
type Session struct {
	mu    sync.Mutex
	state State

	// generation invalidates workers and in-flight connects from a
	// previous connection, so a stale worker can never mutate the
	// state of its successor.
	generation uint64

	// terminalNotified guarantees exactly one terminal notification
	// per failed session.
	terminalNotified bool

	carrier transport.Transport
	sendQ   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup

	engine     *crypto.Engine
	tracker    *input.Tracker
	controller *bitrate.Controller
	dialerFor  func(kind transport.Kind) (transport.Dialer, error)

	queueSize int
	events    chan Event
	stats     Stats

	feedbackMu  sync.Mutex
	lastDropped uint64
	lastAuth    uint64
}

// New creates a disconnected session around the given crypto engine.
func New(engine *crypto.Engine, opts *Options) (*Session, error) {
	if engine == nil {
		return nil, fmt.Errorf("crypto engine is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	dialerFor := opts.DialerFor
	if dialerFor == nil {
		dialerFor = transport.NewDialer
	}

	s := &Session{
		state:      StateDisconnected,
		engine:     engine,
		tracker:    input.NewTracker(opts.DeadZoneThreshold),
		controller: bitrate.NewController(opts.Bitrate, opts.InitialBitrate),
		dialerFor:  dialerFor,
		queueSize:  queueSize,
		events:     make(chan Event, eventBufferSize),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"queue_size": queueSize,
		"dead_zone":  opts.DeadZoneThreshold,
	}).Debug("Session created")

	return s, nil
}

// Events returns the channel carrying session notifications. Consumers
// must drain it; when the buffer is full further events are dropped.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bitrate exposes the session's adaptive bitrate controller so the
// encoder collaborator can subscribe to target adjustments.
func (s *Session) Bitrate() *bitrate.Controller {
	return s.controller
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Connect starts a session over the given carrier toward the target.
// It returns ErrAlreadyActive unless the state is Disconnected or
// Error. The dial runs on a worker; the caller is never blocked. The
// outcome arrives as events: Connected on success, Error with the
// cause on failure.
func (s *Session) Connect(kind transport.Kind, target string) error {
	s.mu.Lock()

	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyActive
	}

	s.generation++
	generation := s.generation
	s.terminalNotified = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"carrier":  kind.String(),
		"target":   target,
	}).Info("Session connecting")

	go s.runConnect(generation, kind, target)
	return nil
}

// runConnect performs the blocking dial off the caller's goroutine and
// commits the result if the session was not torn down meanwhile.
func (s *Session) runConnect(generation uint64, kind transport.Kind, target string) {
	dialer, err := s.dialerFor(kind)
	var carrier transport.Transport
	if err == nil {
		carrier, err = dialer.Dial(target)
	}

	s.mu.Lock()
	if s.generation != generation || s.state != StateConnecting {
		// Disconnected (or superseded) while dialing.
		s.mu.Unlock()
		if carrier != nil {
			carrier.Close()
		}
		return
	}

	if err != nil {
		s.failLocked(fmt.Errorf("connect %s via %s: %w", target, kind, err))
		s.mu.Unlock()
		return
	}

	s.carrier = carrier
	s.sendQ = make(chan []byte, s.queueSize)
	s.done = make(chan struct{})
	s.setStateLocked(StateConnected)
	s.emitLocked(Event{Type: EventConnected})

	s.wg.Add(2)
	go s.receiveLoop(generation, carrier)
	go s.senderLoop(generation, carrier, s.sendQ, s.done)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "runConnect",
		"carrier":  kind.String(),
		"target":   target,
	}).Info("Session connected")
}

// SendVideoFrame encrypts, frames, and queues one encoded video frame.
// A no-op unless Connected. When the send queue is full the frame is
// dropped and counted as congestion feedback rather than blocking the
// capture pipeline.
func (s *Session) SendVideoFrame(payload []byte, flags uint32, timestampMicros int64) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	sendQ := s.sendQ
	s.mu.Unlock()

	sealed, err := s.engine.Seal(payload)
	if err != nil {
		return fmt.Errorf("encrypt video frame: %w", err)
	}
	frame, err := protocol.EncodeVideoFrame(sealed, flags, timestampMicros)
	if err != nil {
		return fmt.Errorf("encode video frame: %w", err)
	}

	s.enqueue(sendQ, frame, true)
	return nil
}

// SendInputEvent filters and queues one controller sample. A no-op
// unless Connected, and a no-op when the sample does not change the
// last transmitted state. Input is not encrypted in this design.
func (s *Session) SendInputEvent(ev input.Event) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	sendQ := s.sendQ
	s.mu.Unlock()

	filtered, changed := s.tracker.Filter(ev)
	if !changed {
		return nil
	}

	frame, err := protocol.EncodeInputEvent(filtered)
	if err != nil {
		return fmt.Errorf("encode input event: %w", err)
	}

	s.enqueue(sendQ, frame, false)
	return nil
}

// enqueue submits one wire frame to the sender worker without
// blocking. Ordering within each frame type follows submission order
// because a single worker drains the queue.
func (s *Session) enqueue(sendQ chan []byte, frame []byte, video bool) {
	select {
	case sendQ <- frame:
		s.stats.noteQueueDepth(len(sendQ))
	default:
		s.stats.droppedFrames.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":   "enqueue",
			"video":      video,
			"queue_size": cap(sendQ),
		}).Warn("Send queue full, dropping frame")
	}
	s.offerFeedback(sendQ)
}

// Disconnect tears the session down. Idempotent: it closes the
// carrier, cancels an in-flight connect, clears buffered state, moves
// to Disconnected from any state, and always emits a Disconnected
// event even when already disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.generation++

	if s.carrier != nil {
		// Closing the carrier is the cancellation mechanism: it
		// unblocks the receive worker promptly.
		s.carrier.Close()
		s.carrier = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.sendQ = nil
	s.tracker.Reset()

	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected)
	}
	s.emitTerminal(Event{Type: EventDisconnected, Cause: "disconnect requested"})
	s.mu.Unlock()

	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
	}).Info("Session disconnected")
}

// Reset returns an errored session to Disconnected so connect may be
// re-issued. Error never auto-retries.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateError {
		return
	}
	s.setStateLocked(StateDisconnected)
}

// receiveLoop runs for the lifetime of Connected: blocking read,
// incremental decode, decrypt, dispatch.
func (s *Session) receiveLoop(generation uint64, carrier transport.Transport) {
	defer s.wg.Done()

	decoder := protocol.NewDecoder()
	consecutiveAuthFails := 0

	for {
		data, err := carrier.Receive()
		if err != nil {
			s.handleReceiveError(generation, err)
			return
		}
		s.stats.bytesReceived.Add(uint64(len(data)))
		decoder.Feed(data)

		for {
			frame, err := decoder.Next()
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				// Malformed frame: drop and continue. The decoder has
				// discarded its buffer; the stream itself stays up.
				logrus.WithFields(logrus.Fields{
					"function": "receiveLoop",
					"error":    err.Error(),
				}).Warn("Dropping malformed frame")
				break
			}

			ok := s.dispatchFrame(generation, frame, &consecutiveAuthFails)
			if !ok {
				return
			}
		}
	}
}

// dispatchFrame routes one decoded frame to its consumer. Returns
// false when the session escalated to Error and the loop must stop.
func (s *Session) dispatchFrame(generation uint64, frame *protocol.Frame, consecutiveAuthFails *int) bool {
	switch frame.Type {
	case protocol.FrameVideo:
		plaintext, err := s.engine.Open(frame.Payload)
		if err != nil {
			s.stats.authFailures.Add(1)
			*consecutiveAuthFails++
			logrus.WithFields(logrus.Fields{
				"function":    "dispatchFrame",
				"consecutive": *consecutiveAuthFails,
			}).Warn("Dropping video frame that failed authentication")

			if *consecutiveAuthFails >= maxConsecutiveAuthFailures {
				s.fail(generation, fmt.Errorf("%d consecutive frames failed authentication: %w",
					*consecutiveAuthFails, crypto.ErrAuthFailed))
				return false
			}
			return true
		}
		*consecutiveAuthFails = 0
		s.stats.framesReceived.Add(1)
		s.emit(Event{Type: EventDataReceived, Video: &VideoFrame{
			Payload:         plaintext,
			Flags:           frame.Flags,
			TimestampMicros: frame.TimestampMicros,
		}})

	case protocol.FrameInput:
		s.stats.inputReceived.Add(1)
		s.emit(Event{Type: EventDataReceived, Input: frame.Input})
	}
	return true
}

// handleReceiveError maps a receive failure to its terminal
// transition: orderly close to Disconnected, anything else to Error. A
// locally closed carrier means Disconnect already ran.
func (s *Session) handleReceiveError(generation uint64, err error) {
	switch {
	case errors.Is(err, transport.ErrClosed):
		return
	case errors.Is(err, transport.ErrPeerClosed):
		s.mu.Lock()
		if s.generation != generation || s.terminalNotified {
			s.mu.Unlock()
			return
		}
		s.terminalNotified = true
		s.teardownLocked()
		s.setStateLocked(StateDisconnected)
		s.emitTerminal(Event{Type: EventDisconnected, Cause: "peer closed connection"})
		s.mu.Unlock()
	default:
		s.fail(generation, err)
	}
}

// senderLoop services the bounded send queue, writing frames to the
// wire in submission order.
func (s *Session) senderLoop(generation uint64, carrier transport.Transport, sendQ chan []byte, done chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-done:
			return
		case frame := <-sendQ:
			if err := carrier.Send(frame); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return
				}
				s.fail(generation, err)
				return
			}
			if frame[0] == byte(protocol.FrameVideo) {
				s.stats.framesSent.Add(1)
			} else {
				s.stats.inputSent.Add(1)
			}
			s.stats.bytesSent.Add(uint64(len(frame)))
			s.offerFeedback(sendQ)
		}
	}
}

// offerFeedback hands one feedback sample to the bitrate controller:
// current queue occupancy plus drop/auth-failure deltas since the last
// sample.
func (s *Session) offerFeedback(sendQ chan []byte) {
	s.feedbackMu.Lock()
	dropped := s.stats.droppedFrames.Load()
	auth := s.stats.authFailures.Load()
	fb := bitrate.Feedback{
		QueueDepth:    len(sendQ),
		QueueCapacity: cap(sendQ),
		DroppedFrames: dropped - s.lastDropped,
		AuthFailures:  auth - s.lastAuth,
	}
	s.lastDropped = dropped
	s.lastAuth = auth
	s.feedbackMu.Unlock()

	s.controller.OnFeedback(fb, time.Now())
}

// fail performs the Error transition with exactly one terminal
// notification. Stale generations (a newer connect or disconnect
// already happened) are ignored.
func (s *Session) fail(generation uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation || s.terminalNotified {
		return
	}
	s.failLocked(err)
}

func (s *Session) failLocked(err error) {
	s.terminalNotified = true
	s.teardownLocked()
	s.setStateLocked(StateError)
	s.emitTerminal(Event{Type: EventError, Cause: err.Error(), Err: err})

	logrus.WithFields(logrus.Fields{
		"function": "failLocked",
		"cause":    err.Error(),
	}).Error("Session failed")
}

// teardownLocked releases the carrier and workers of the current
// connection. Callers hold s.mu.
func (s *Session) teardownLocked() {
	if s.carrier != nil {
		s.carrier.Close()
		s.carrier = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.sendQ = nil
	s.tracker.Reset()
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "setStateLocked",
		"old_state": s.state.String(),
		"new_state": state.String(),
	}).Debug("Session state transition")
	s.state = state
	ev := Event{Type: EventStateChanged, State: state}
	if state == StateError || state == StateDisconnected {
		// Terminal transitions must reach the consumer even under
		// buffer pressure.
		s.emitTerminal(ev)
		return
	}
	s.emitLocked(ev)
}

// emit delivers an event without blocking; a full buffer drops the
// event so a stalled consumer cannot wedge the workers.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"event":    ev.Type.String(),
		}).Warn("Event buffer full, dropping event")
	}
}

// emitTerminal delivers an event that must not be lost: the terminal
// notification of a session. When the buffer is full the oldest
// buffered event is evicted to make room; data events are expendable,
// the terminal notification is not. Only the session's own goroutines
// write to the channel, so eviction frees a slot promptly and this
// never blocks on a stalled consumer.
func (s *Session) emitTerminal(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case stale := <-s.events:
			logrus.WithFields(logrus.Fields{
				"function": "emitTerminal",
				"evicted":  stale.Type.String(),
				"event":    ev.Type.String(),
			}).Warn("Event buffer full, evicting oldest event")
		default:
		}
	}
}

func (s *Session) emitLocked(ev Event) {
	s.emit(ev)
}
