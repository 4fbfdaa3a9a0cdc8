// Package supervisor drives the connection lifecycle around a link it does
// not own: deterministic exponential backoff on failures, a retry ceiling
// that parks the supervisor in a failed state until a manual retry, and
// suspend/resume and online/offline signals from the host environment.
//
// The supervisor never touches sessions or messages. It only decides WHEN
// the link should connect; the link itself (the channel multiplexer) decides
// HOW.
package supervisor

import (
	"log"
	"sync"
	"time"
)

const (
	// backoffBase doubles per attempt up to backoffCap.
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second

	defaultMaxRetries = 20
)

// Delay returns the reconnect backoff for a zero-based attempt number:
// min(100ms * 2^attempt, 2s). Deterministic, no jitter.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows fast; past the cap exponent the answer is the cap.
	if attempt >= 5 {
		return backoffCap
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Link is the connection the supervisor drives. Connect and Disconnect must
// be safe to call repeatedly.
type Link interface {
	Connect()
	Disconnect()
	Connected() bool
}

// Config carries the supervisor's tunables.
type Config struct {
	// MaxRetries is the number of consecutive failures tolerated before the
	// supervisor gives up and waits for a manual Retry. Defaults to 20.
	MaxRetries int

	// OnGaveUp is invoked once when the retry ceiling is hit.
	OnGaveUp func()
}

// Supervisor owns the reconnect policy for one Link.
type Supervisor struct {
	link Link
	cfg  Config

	mu         sync.Mutex
	state      State
	attempts   int
	retryTimer *time.Timer
	log        transitionLog
	callbacks  []StateChangeCallback
}

// New builds a supervisor around the given link. The supervisor starts idle;
// nothing happens until Connect.
func New(link Link, cfg Config) *Supervisor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Supervisor{link: link, cfg: cfg, state: StateIdle}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failure count since the last successful
// connection.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect starts the link. Calling it while a connection is in flight or
// established is a no-op.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	notify := s.setStateLocked(StateConnecting, "connect requested")
	s.mu.Unlock()

	notify()
	s.link.Connect()
}

// Disconnect stops the link and any pending retry, returning to idle.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.clearRetryTimerLocked()
	s.attempts = 0
	notify := s.setStateLocked(StateIdle, "disconnect requested")
	s.mu.Unlock()

	notify()
	s.link.Disconnect()
}

// Retry restarts the link after the retry ceiling was hit. It only acts in
// the failed state.
func (s *Supervisor) Retry() {
	s.mu.Lock()
	if s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	notify := s.setStateLocked(StateConnecting, "manual retry")
	s.mu.Unlock()

	notify()
	s.link.Connect()
}

// LinkAuthenticating reports that the link opened and is performing the
// handshake. Ignored outside an active connection attempt.
func (s *Supervisor) LinkAuthenticating() {
	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(StateAuthenticating, "link handshake")
	s.mu.Unlock()
	notify()
}

// LinkUp reports that the link is authenticated and usable. The failure
// counter resets. A link that comes up while suspended does not change the
// suspended state; Resume reconciles it.
func (s *Supervisor) LinkUp() {
	s.mu.Lock()
	s.attempts = 0
	if s.state == StateSuspended || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.clearRetryTimerLocked()
	notify := s.setStateLocked(StateConnected, "link up")
	s.mu.Unlock()
	notify()
}

// LinkDown reports that the link dropped or a connection attempt failed.
// The supervisor schedules the next attempt with exponential backoff, or
// gives up once the retry ceiling is hit.
func (s *Supervisor) LinkDown() {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateFailed, StateSuspended:
		// Deliberate shutdown, already given up, or suspended by the host.
		s.mu.Unlock()
		return
	}

	s.attempts++
	if s.attempts > s.cfg.MaxRetries {
		notify := s.setStateLocked(StateFailed, "retry ceiling reached")
		gaveUp := s.cfg.OnGaveUp
		s.mu.Unlock()

		log.Printf("supervisor: giving up after %d attempts", s.attempts-1)
		notify()
		if gaveUp != nil {
			gaveUp()
		}
		return
	}

	delay := Delay(s.attempts - 1)
	notify := s.setStateLocked(StateReconnecting, "link down")
	s.scheduleRetryLocked(delay)
	s.mu.Unlock()

	log.Printf("supervisor: link down, retrying in %v (attempt %d)", delay, s.attempts)
	notify()
}

// Suspend pauses reconnection while the host application is in the
// background. Any pending retry is cancelled; an open link is left alone so
// Resume can surface connected again without a redial.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateFailed || s.state == StateSuspended {
		s.mu.Unlock()
		return
	}
	s.clearRetryTimerLocked()
	notify := s.setStateLocked(StateSuspended, "host suspended")
	s.mu.Unlock()

	notify()
}

// Resume reconciles state after the host application returns to the
// foreground: reconnect immediately if the link is down, or just surface
// connected if it survived the suspension.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if s.state != StateSuspended {
		s.mu.Unlock()
		return
	}
	if s.link.Connected() {
		notify := s.setStateLocked(StateConnected, "host resumed")
		s.mu.Unlock()
		notify()
		return
	}
	notify := s.setStateLocked(StateConnecting, "host resumed")
	s.mu.Unlock()

	notify()
	s.link.Connect()
}

// Online reports that the host regained network connectivity. While waiting
// out a backoff or suspended, the wait is bypassed and a connection attempt
// starts immediately; the failure counter is reset to one so a failure of
// this attempt backs off from the start of the curve.
func (s *Supervisor) Online() {
	s.mu.Lock()
	if s.state != StateReconnecting && s.state != StateSuspended {
		s.mu.Unlock()
		return
	}
	s.clearRetryTimerLocked()
	s.attempts = 1
	notify := s.setStateLocked(StateConnecting, "network online")
	s.mu.Unlock()

	notify()
	s.link.Connect()
}

// Offline reports that the host lost network connectivity. A pending retry
// is pointless until Online, so it is cancelled; the supervisor stays in
// reconnecting.
func (s *Supervisor) Offline() {
	s.mu.Lock()
	if s.state == StateReconnecting {
		s.clearRetryTimerLocked()
	}
	s.mu.Unlock()
}

func (s *Supervisor) scheduleRetryLocked(delay time.Duration) {
	s.clearRetryTimerLocked()
	s.retryTimer = time.AfterFunc(delay, s.retryFired)
}

func (s *Supervisor) clearRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) retryFired() {
	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	notify := s.setStateLocked(StateConnecting, "retry timer")
	s.mu.Unlock()

	notify()
	s.link.Connect()
}
