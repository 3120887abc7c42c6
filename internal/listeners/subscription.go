package listeners

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Subscription is the handle of one keyed listener.
type Subscription struct {
	key     string
	open    Factory
	handle  Handler
	baseCtx context.Context
	manager *Manager
	logger  *zap.Logger

	// op serializes Pause, Resume and Cancel.
	op sync.Mutex

	mu     sync.Mutex
	state  State
	gen    uint64
	stream remote.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// Key returns the subscription key.
func (s *Subscription) Key() string { return s.key }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resume opens a fresh transport. Resuming an active subscription does
// nothing. The first delivery after a resume may resend everything the query
// matches; handlers apply changes idempotently.
func (s *Subscription) Resume() error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	switch s.state {
	case Active:
		s.mu.Unlock()
		return nil
	case Removed:
		s.mu.Unlock()
		return ErrRemoved
	}
	s.mu.Unlock()

	if err := s.baseCtx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	stream, err := s.open(ctx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = Paused
		s.mu.Unlock()
		return fmt.Errorf("open %s: %w", s.key, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = Active
	s.stream = stream
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.pump(ctx, gen, stream, done)
	s.logger.Debug("listener active")
	return nil
}

// Pause closes the transport and keeps the registration. No change is handled
// after Pause returns.
func (s *Subscription) Pause() {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Paused
	s.mu.Unlock()

	s.release()
	s.logger.Debug("listener paused")
}

// Cancel closes the transport and removes the registration for good.
func (s *Subscription) Cancel() {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state == Removed {
		s.mu.Unlock()
		return
	}
	s.state = Removed
	s.mu.Unlock()

	s.release()
	s.manager.forget(s)
	s.logger.Debug("listener removed")
}

// release closes the current transport and waits for its pump to finish.
func (s *Subscription) release() {
	s.mu.Lock()
	stream, cancel, done := s.stream, s.cancel, s.done
	s.stream, s.cancel, s.done = nil, nil, nil
	s.gen++
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Subscription) pump(ctx context.Context, gen uint64, stream remote.Stream, done chan struct{}) {
	defer close(done)
	for {
		select {
		case c, ok := <-stream.Changes():
			if !ok {
				s.ended(gen, stream)
				return
			}
			s.mu.Lock()
			current := s.gen == gen
			s.mu.Unlock()
			if !current {
				return
			}
			s.handle(ctx, c)
		case <-ctx.Done():
			return
		}
	}
}

// ended handles a transport that closed on its own. The subscription is left
// paused so a later resume can recover it.
func (s *Subscription) ended(gen uint64, stream remote.Stream) {
	s.mu.Lock()
	if s.gen != gen || s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Paused
	s.stream = nil
	cancel := s.cancel
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = stream.Close()
	s.logger.Warn("listener stream ended, paused until resume", zap.Error(stream.Err()))
}
