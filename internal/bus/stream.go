package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/trudger/trudger/internal/logging"
)

const streamSource = "trudger"

// Stream forwards every recorded transition to a Bus subject. A failing
// backend disables the stream after one warning; transitions keep flowing to
// the log sink either way.
type Stream struct {
	bus      Bus
	subject  string
	log      *logging.TransitionLog
	now      func() time.Time
	disabled atomic.Bool
}

// OpenStream connects the configured backend and registers the stream as a
// log observer. Supported backends are "nats" and "redis".
func OpenStream(backend string, address string, subject string, log *logging.TransitionLog) (*Stream, error) {
	var b Bus
	var err error
	switch backend {
	case "nats":
		b, err = NewNATSBus(address)
	case "redis":
		b, err = NewRedisBus(address)
	default:
		return nil, fmt.Errorf("unsupported log_stream backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	return AttachStream(b, subject, log), nil
}

// AttachStream wires an already-built Bus into the log. Split from
// OpenStream so tests and doctor mode can use a MemoryBus.
func AttachStream(b Bus, subject string, log *logging.TransitionLog) *Stream {
	s := &Stream{bus: b, subject: subject, log: log, now: time.Now}
	log.Observe(s.onTransition)
	return s
}

// SetNow overrides event timestamps, primarily for tests.
func (s *Stream) SetNow(now func() time.Time) {
	s.now = now
}

func (s *Stream) onTransition(message string) {
	if s.disabled.Load() {
		return
	}
	event, err := NewTransitionEvent(streamSource, message, s.now())
	if err != nil {
		s.disableWithWarning(err)
		return
	}
	if err := s.bus.Publish(context.Background(), s.subject, event); err != nil {
		s.disableWithWarning(err)
	}
}

// disableWithWarning mirrors the log sink's own failure policy: one warning,
// then silence. The reporting transition goes through Append so it cannot
// re-enter observers.
func (s *Stream) disableWithWarning(err error) {
	if s.disabled.CompareAndSwap(false, true) {
		s.log.Warnf("event stream disabled subject=%s error=%v", s.subject, err)
		s.log.Append(fmt.Sprintf("event_stream_disabled subject=%s err=%s", s.subject, logging.Sanitize(err.Error())))
	}
}

func (s *Stream) Close() error {
	return s.bus.Close()
}
