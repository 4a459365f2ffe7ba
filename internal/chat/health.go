package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// recoverInitialDelay is how long after degrading the first recovery
	// attempt runs.
	recoverInitialDelay = 3 * time.Second

	// recoverRepeatDelay is the longer delay between subsequent recovery
	// attempts. There is no maximum attempt count and no fatal state.
	recoverRepeatDelay = 5 * time.Second

	// recoverOfflinePause is the gap between forcing the transport
	// offline and bringing it back during one recovery attempt.
	recoverOfflinePause = 250 * time.Millisecond

	// recoverOnlineTimeout bounds one ForceOnline attempt.
	recoverOnlineTimeout = 10 * time.Second
)

// Transport is the subset of the store the monitor drives during
// recovery.
type Transport interface {
	ForceOffline()
	ForceOnline(ctx context.Context) error
}

// Monitor tracks connection health. HEALTHY flips to DEGRADED on any
// subscription error or connectivity-class write failure; while
// degraded, the sync engine refuses new outbound writes. Recovery only
// retries the transport; the state flips back to healthy when the next
// successful snapshot arrives, never from the recovery attempt itself.
type Monitor struct {
	transport Transport
	logger    *slog.Logger

	// sleep is swapped out by tests to avoid real recovery pauses.
	sleep func(time.Duration)

	mu       sync.Mutex
	degraded bool
	attempts int
	timer    *time.Timer
	closed   bool
}

// NewMonitor creates a healthy monitor driving the given transport.
func NewMonitor(transport Transport, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		transport: transport,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// Degraded reports whether outbound writes should be refused.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.degraded
}

// Degrade transitions to the degraded state and schedules a recovery
// attempt. Calling it while a recovery cycle is already pending keeps
// the existing cycle; calling it after a recovery attempt completed
// without a healthy snapshot arms a new one.
func (m *Monitor) Degrade() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if m.degraded && m.timer != nil {
		return
	}

	if !m.degraded {
		m.degraded = true
		m.attempts = 0
		m.logger.Warn("connection degraded, scheduling recovery")
	}

	m.scheduleLocked()
}

func (m *Monitor) scheduleLocked() {
	delay := recoverInitialDelay
	if m.attempts > 0 {
		delay = recoverRepeatDelay
	}

	m.timer = time.AfterFunc(delay, m.recover)
}

// recover forces the transport offline, pauses briefly, and brings it
// back online. Success is not declared here: a redial that works
// produces a fresh subscription snapshot, and that snapshot calling
// MarkHealthy is what ends the degraded state.
func (m *Monitor) recover() {
	m.mu.Lock()

	if m.closed || !m.degraded {
		m.mu.Unlock()
		return
	}

	m.attempts++
	m.timer = nil
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("attempting connection recovery", slog.Int("attempt", attempt))

	m.transport.ForceOffline()
	m.sleep(recoverOfflinePause)

	ctx, cancel := context.WithTimeout(context.Background(), recoverOnlineTimeout)
	defer cancel()

	err := m.transport.ForceOnline(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.degraded {
		return
	}

	if err != nil {
		m.logger.Warn("recovery attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		m.scheduleLocked()
	}
	// On success, stay degraded and unarmed: the resubscribed transport
	// either delivers a snapshot (MarkHealthy) or errors (Degrade re-arms).
}

// MarkHealthy records a successful snapshot delivery: the degraded flag
// clears and any pending recovery attempt is cancelled.
func (m *Monitor) MarkHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if m.degraded {
		m.logger.Info("connection recovered")
	}

	m.degraded = false
	m.attempts = 0
}

// Close stops the monitor permanently.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
