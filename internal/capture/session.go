package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateCreated State = iota
	StateCapturing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Event is one classified frame handed to the session's sink.
type Event struct {
	SessionID string   `json:"sessionId"`
	Features  Features `json:"features"`
	Verdict   *Verdict `json:"verdict,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Sink receives events from the delivery goroutine. It must not block for
// long: delivery is sequential.
type Sink func(Event)

// Status is a snapshot of a session.
type Status struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Device         string    `json:"device"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	Captured       uint64    `json:"captured"`
	Delivered      uint64    `json:"delivered"`
	Dropped        uint64    `json:"dropped"`
	ClassifyErrors uint64    `json:"classifyErrors"`
	Queued         int       `json:"queued"`
}

// Session is one live capture owned by one identity. The session owns its
// handle and closes it on every exit path.
type Session struct {
	ID        string
	Owner     string
	Device    string
	StartedAt time.Time

	handle Handle
	link   gopacket.Decoder
	queue  *dropQueue
	logger *slog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	captured       atomic.Uint64
	delivered      atomic.Uint64
	dropped        atomic.Uint64
	classifyErrors atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Status returns a snapshot of the session counters.
func (s *Session) Status() Status {
	return Status{
		ID:             s.ID,
		Owner:          s.Owner,
		Device:         s.Device,
		State:          s.State().String(),
		StartedAt:      s.StartedAt,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
		Captured:       s.captured.Load(),
		Delivered:      s.delivered.Load(),
		Dropped:        s.dropped.Load(),
		ClassifyErrors: s.classifyErrors.Load(),
		Queued:         s.queue.len(),
	}
}

// Done is closed once the session has stopped and released its handle.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run starts the reader and delivery goroutines. onExit runs after both have
// returned and the handle is closed.
func (s *Session) run(classifier Classifier, timeout time.Duration, sink Sink, onExit func(*Session)) {
	s.state.Store(int32(StateCapturing))
	readerDone := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(readerDone)
		s.read()
	}()
	go func() {
		defer wg.Done()
		s.deliver(classifier, timeout, sink, readerDone)
	}()

	go func() {
		wg.Wait()
		s.cancel()
		s.state.Store(int32(StateStopped))
		s.logger.Info("capture_stopped",
			"captured", s.captured.Load(),
			"delivered", s.delivered.Load(),
			"dropped", s.dropped.Load(),
		)
		if onExit != nil {
			onExit(s)
		}
		close(s.done)
	}()
}

func (s *Session) read() {
	defer s.handle.Close()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("capture_ended")
			} else {
				s.logger.Warn("capture_read_failed", "error", err)
			}
			return
		}

		s.captured.Add(1)
		s.touch()
		f, ok := Decode(data, s.link, ci)
		if !ok {
			continue
		}
		if s.queue.push(f) {
			s.dropped.Add(1)
		}
	}
}

// deliver drains the queue into the classifier and sink. After the reader
// ends on its own the remaining frames are still delivered; after Stop they
// are discarded.
func (s *Session) deliver(classifier Classifier, timeout time.Duration, sink Sink, readerDone <-chan struct{}) {
	for {
		f, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.queue.ready:
				continue
			case <-s.stopCh:
				return
			case <-readerDone:
				if s.queue.len() == 0 {
					return
				}
				continue
			}
		}

		select {
		case <-s.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		v, err := classifier.Classify(ctx, f)
		cancel()

		ev := Event{SessionID: s.ID, Features: f}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.classifyErrors.Add(1)
			ev.Error = err.Error()
			s.logger.Debug("classify_failed", "error", err)
		} else {
			ev.Verdict = &v
		}
		if sink != nil {
			sink(ev)
		}
		s.delivered.Add(1)
	}
}

// stop signals both goroutines and waits for the handle to be released.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
	<-s.done
}
