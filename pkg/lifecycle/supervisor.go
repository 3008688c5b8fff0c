package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/framerelay/pkg/log"
)

// Service is a long-running component. Run blocks until ctx is done or the
// service finishes, and returns nil or ctx.Err() on a clean stop.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs a set of services under one lifecycle. The first service
// to return cancels the others; if it failed, the supervisor ends in
// StateCrashed.
type Supervisor struct {
	services []Service
	logger   log.Logger
	emitter  EventEmitter

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	running map[string]int
	exit    string // why the first service returned
	err     error
	done    chan struct{}
}

// NewSupervisor creates a stopped supervisor for services. emitter may be nil.
func NewSupervisor(logger log.Logger, emitter EventEmitter, services ...Service) *Supervisor {
	return &Supervisor{
		services: services,
		logger:   log.OrNoop(logger),
		emitter:  emitter,
		state:    StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches every service in its own goroutine and returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateCrashed {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	if err := s.transition(StateStarting, "start requested"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	names := make([]string, 0, len(s.services))

	s.mu.Lock()
	s.cancel = cancel
	s.err = nil
	s.exit = ""
	s.done = done
	s.running = make(map[string]int, len(s.services))
	for _, svc := range s.services {
		s.running[svc.Name()]++
		names = append(names, svc.Name())
	}
	s.mu.Unlock()

	if err := s.transition(StateRunning, "services launched: "+strings.Join(names, ", ")); err != nil {
		cancel()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(len(s.services))
	for _, svc := range s.services {
		go func(svc Service) {
			defer wg.Done()
			s.run(runCtx, svc)
		}(svc)
	}

	go func() {
		wg.Wait()
		cancel()
		if err := s.Err(); err != nil {
			_ = s.transition(StateCrashed, err.Error())
		}
		close(done)
	}()
	return nil
}

// Done is closed once every service has returned.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the first service failure, if any. It is prefixed with the
// service name and wraps the service's error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop cancels every service and waits up to timeout for them to return.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	state, reason, done := s.state, s.exit, s.done
	s.mu.Unlock()

	switch state {
	case StateRunning:
	case StateCrashed:
		return s.Err()
	default:
		return ErrNotRunning
	}
	if reason == "" {
		reason = "stop requested"
	}
	if err := s.transition(StateStopping, reason); err != nil {
		// A failing service moved the state to Crashed first.
		return s.Err()
	}

	s.cancelRun()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout, forcing exit",
			log.Duration("timeout", timeout),
			log.String("running", strings.Join(s.stillRunning(), ", ")),
		)
		return ErrShutdownTimeout
	}

	if err := s.Err(); err != nil {
		return err
	}
	return s.transition(StateStopped, "all services stopped")
}

// Run starts the services, waits for ctx to be done or for a service to
// return, then stops within ShutdownTimeout. It returns the first service
// failure, or nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	}

	err := s.Stop(ShutdownTimeout)
	if errors.Is(err, ErrNotRunning) {
		return s.Err()
	}
	return err
}

func (s *Supervisor) run(ctx context.Context, svc Service) {
	name := svc.Name()
	s.logger.Debug("service started", log.String("service", name))
	err := svc.Run(ctx)

	clean := err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	first := s.exit == ""
	if first {
		if clean {
			s.exit = fmt.Sprintf("service %s finished", name)
		} else {
			s.exit = fmt.Sprintf("service %s failed", name)
		}
	}
	if !clean && s.err == nil {
		s.err = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()

	if clean {
		s.logger.Debug("service stopped", log.String("service", name))
	} else {
		s.logger.Error("service failed", log.String("service", name), log.Err(err))
	}
	s.cancelRun()
}

func (s *Supervisor) cancelRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) stillRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// transition moves the state machine and reports the change outside the lock.
func (s *Supervisor) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.OnStateChange(from, to, reason)
	}
	s.logger.Info("state transition",
		log.String("from", from.String()),
		log.String("to", to.String()),
		log.String("reason", reason),
	)
	return nil
}
