package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeTransport records ForceOffline/ForceOnline calls and returns a
// scripted result from ForceOnline.
type fakeTransport struct {
	mu        sync.Mutex
	offlines  int
	onlines   int
	onlineErr error
}

func (f *fakeTransport) ForceOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offlines++
}

func (f *fakeTransport) ForceOnline(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onlines++

	return f.onlineErr
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.offlines, f.onlines
}

func (f *fakeTransport) setOnlineErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onlineErr = err
}

func TestMonitor_StartsHealthy(t *testing.T) {
	m := NewMonitor(&fakeTransport{}, nil)
	defer m.Close()

	assert.False(t, m.Degraded())
}

func TestMonitor_DegradeFlipsState(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewMonitor(&fakeTransport{}, nil)
		defer m.Close()

		m.Degrade()
		assert.True(t, m.Degraded())
	})
}

func TestMonitor_RecoveryCyclesTransport(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{}
		m := NewMonitor(ft, nil)

		defer m.Close()

		m.Degrade()

		time.Sleep(4 * time.Second)
		synctest.Wait()

		off, on := ft.counts()
		assert.Equal(t, 1, off, "recovery forces the transport offline once")
		assert.Equal(t, 1, on, "then brings it back online")

		// Recovery alone never declares success.
		assert.True(t, m.Degraded())
	})
}

func TestMonitor_MarkHealthyEndsDegraded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{}
		m := NewMonitor(ft, nil)

		defer m.Close()

		m.Degrade()
		m.MarkHealthy()
		assert.False(t, m.Degraded())

		// The pending recovery attempt was cancelled with it.
		time.Sleep(10 * time.Second)
		synctest.Wait()

		off, _ := ft.counts()
		assert.Zero(t, off)
	})
}

func TestMonitor_RepeatedFailureReschedules(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{onlineErr: fmt.Errorf("still down")}
		m := NewMonitor(ft, nil)

		defer m.Close()

		m.Degrade()

		// First attempt at 3s, rescheduled at 5s afterwards, indefinitely.
		time.Sleep(4 * time.Second)
		synctest.Wait()

		_, on := ft.counts()
		assert.Equal(t, 1, on)

		time.Sleep(6 * time.Second)
		synctest.Wait()

		_, on = ft.counts()
		assert.Equal(t, 2, on)

		time.Sleep(6 * time.Second)
		synctest.Wait()

		_, on = ft.counts()
		assert.Equal(t, 3, on, "no maximum retry count")
		assert.True(t, m.Degraded())
	})
}

func TestMonitor_DegradeWhileCyclePendingKeepsCycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{}
		m := NewMonitor(ft, nil)

		defer m.Close()

		m.Degrade()
		m.Degrade()
		m.Degrade()

		time.Sleep(4 * time.Second)
		synctest.Wait()

		off, _ := ft.counts()
		assert.Equal(t, 1, off, "repeated Degrade must not stack recovery attempts")
	})
}

func TestMonitor_DegradeAfterRecoverySuccessRearms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{}
		m := NewMonitor(ft, nil)

		defer m.Close()

		m.Degrade()

		// Recovery succeeds at the transport level but no snapshot
		// arrives; a subsequent subscription error re-arms the cycle.
		time.Sleep(4 * time.Second)
		synctest.Wait()

		m.Degrade()

		time.Sleep(6 * time.Second)
		synctest.Wait()

		_, on := ft.counts()
		assert.Equal(t, 2, on)
	})
}

func TestMonitor_CloseStopsRecovery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ft := &fakeTransport{}
		m := NewMonitor(ft, nil)

		m.Degrade()
		m.Close()

		time.Sleep(10 * time.Second)
		synctest.Wait()

		off, _ := ft.counts()
		assert.Zero(t, off)
	})
}
