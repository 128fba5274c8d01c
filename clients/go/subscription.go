package flowsync

import (
	"sync"

	"github.com/skshohagmiah/flowsync/internal/projector"
	"github.com/skshohagmiah/flowsync/internal/protocol"
)

const subscriptionBuffer = 1024

// Subscription is one live watch. Snapshots delivers the complete
// client-visible state after every applied change, starting with the
// synced initial state. The channel closes on completion, error or
// connection loss; check Err afterwards.
type Subscription struct {
	c  *Client
	id uint64

	proj      *projector.Projector
	in        chan protocol.Response
	snapshots chan projector.Snapshot
	exited    chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newSubscription(c *Client, id uint64, mode projector.Mode, limit int) *Subscription {
	return &Subscription{
		c:         c,
		id:        id,
		proj:      projector.New(mode, limit),
		in:        make(chan protocol.Response, subscriptionBuffer),
		snapshots: make(chan projector.Snapshot, 16),
		exited:    make(chan struct{}),
	}
}

// Snapshots returns the state channel. Consumers must drain it; a stalled
// consumer stalls this subscription's event processing.
func (s *Subscription) Snapshots() <-chan projector.Snapshot {
	return s.snapshots
}

// Err returns the terminal error, if any, after Snapshots closes.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription and tells the server to end it.
// Idempotent, and tolerant of the server having already completed the
// request or the connection having dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		select {
		case <-s.exited:
			// Already terminated server-side; nothing to end.
		default:
			s.c.detachSubscription(s.id)
		}
	})
}

// disconnect records the terminal error for a connection-level failure.
// The loop goroutine observes it once the inbound channel closes.
func (s *Subscription) disconnect(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// loop folds inbound responses through the projector and emits snapshots.
// It exits on a complete marker, a request error, a projector protocol
// error, or the inbound channel closing (detach or disconnect).
func (s *Subscription) loop() {
	defer close(s.snapshots)
	defer close(s.exited)

	for resp := range s.in {
		if resp.Error != nil {
			s.fail(&ServerError{Msg: *resp.Error, Code: resp.ErrorCode})
			return
		}

		events, done, err := s.decode(resp)
		if err != nil {
			s.fail(err)
			return
		}
		for _, ev := range events {
			emit, err := s.proj.Apply(ev)
			if err != nil {
				// A malformed event kills this subscription only.
				s.fail(err)
				go s.Close()
				return
			}
			if emit {
				s.snapshots <- s.proj.Snapshot()
			}
		}
		if done {
			return
		}
	}
}

// decode normalizes the two wire variants into change events. done is set
// by the complete marker.
func (s *Subscription) decode(resp protocol.Response) ([]protocol.ChangeEvent, bool, error) {
	var events []protocol.ChangeEvent
	var err error

	switch {
	case len(resp.Patch) > 0:
		events, err = protocol.PatchToEvents(resp.Patch)
		if err != nil {
			return nil, false, err
		}
	case resp.State != "" && len(resp.Data) == 0:
		events = []protocol.ChangeEvent{{Type: protocol.ChangeState, State: resp.State}}
	default:
		events, err = protocol.DecodeEvents(resp)
		if err != nil {
			return nil, false, err
		}
	}

	for i, ev := range events {
		if ev.Type == protocol.ChangeState && ev.State == protocol.StateComplete {
			return events[:i], true, nil
		}
	}
	return events, false, nil
}
