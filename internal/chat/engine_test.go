package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedStore blocks Append until released, so tests can observe the
// optimistic placeholder deterministically.
type gatedStore struct {
	*store.MemoryRoom
	release chan struct{}
}

func newGatedStore(room *store.MemoryRoom) *gatedStore {
	return &gatedStore{MemoryRoom: room, release: make(chan struct{})}
}

func (g *gatedStore) Append(ctx context.Context, rec store.Record) (string, error) {
	<-g.release
	return g.MemoryRoom.Append(ctx, rec)
}

// failureRecorder collects OnSendFailure invocations.
type failureRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (f *failureRecorder) record(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.texts = append(f.texts, text)
}

func (f *failureRecorder) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.texts...)
}

func newTestEngine(t *testing.T, st store.RoomStore, session Session, monitor *Monitor, onFail func(string)) *Engine {
	t.Helper()

	return NewEngine(EngineConfig{
		Room:          "r1",
		Session:       session,
		Store:         st,
		Codec:         testCodec(t),
		Monitor:       monitor,
		Logger:        quietLogger(),
		OnSendFailure: onFail,
	})
}

func openEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Open(context.Background()))
}

// --- optimistic send lifecycle ---

func TestEngine_SendShowsOptimisticPlaceholderImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		gated := newGatedStore(room)
		session := NewSession()
		e := newTestEngine(t, gated, session, nil, nil)

		defer e.Close()
		openEngine(t, e)
		synctest.Wait()

		e.Send("hello")

		view := e.View()
		require.Len(t, view, 1, "placeholder must render before any round-trip completes")

		m := view[0]
		assert.Equal(t, StatusSending, DeliveryStatus(m, session.ID))
		assert.Equal(t, "hello", m.Text)
		assert.Equal(t, session.ID, m.SenderID)
		assert.False(t, m.Encrypted)
		assert.Contains(t, m.ReadBy, session.ID)
		assert.Contains(t, m.ID, "temp_")

		close(gated.release)
		time.Sleep(time.Second)
		synctest.Wait()

		view = e.View()
		require.Len(t, view, 1, "committed view has exactly one copy, no duplication")
		assert.Equal(t, StatusSent, DeliveryStatus(view[0], session.ID))
		assert.Equal(t, "hello", view[0].Text)
		assert.True(t, view[0].Encrypted)
		assert.NotContains(t, view[0].ID, "temp_")
	})
}

func TestEngine_SendRejectsBlankText(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		e := newTestEngine(t, room, NewSession(), nil, nil)

		defer e.Close()
		openEngine(t, e)
		synctest.Wait()

		e.Send("")
		e.Send("   \t\n")
		synctest.Wait()

		assert.Empty(t, e.View())

		recs, err := room.FetchUpTo(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, recs, "blank sends must not reach the store")
	})
}

func TestEngine_SendRejectedWhileInFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		gated := newGatedStore(room)
		session := NewSession()
		e := newTestEngine(t, gated, session, nil, nil)

		defer e.Close()
		openEngine(t, e)
		synctest.Wait()

		e.Send("one")
		e.Send("two")

		view := e.View()
		require.Len(t, view, 1, "sends are not queued")
		assert.Equal(t, "one", view[0].Text)

		close(gated.release)
		time.Sleep(time.Second)
		synctest.Wait()

		view = e.View()
		require.Len(t, view, 1)
		assert.Equal(t, "one", view[0].Text)
	})
}

func TestEngine_SendRejectedWhileDegraded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		monitor := NewMonitor(room, quietLogger())
		e := newTestEngine(t, room, NewSession(), monitor, nil)

		defer func() {
			e.Close()
			monitor.Close()
		}()

		openEngine(t, e)
		synctest.Wait()

		monitor.Degrade()
		e.Send("hello")

		assert.Empty(t, e.View(), "degraded connection refuses new sends")
	})
}

func TestEngine_RollbackOnAppendFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		monitor := NewMonitor(room, quietLogger())

		var failures failureRecorder

		e := newTestEngine(t, room, NewSession(), monitor, failures.record)

		defer func() {
			e.Close()
			monitor.Close()
		}()

		openEngine(t, e)
		synctest.Wait()

		// Drop the transport underneath the engine without telling the
		// monitor, as a connectivity failure mid-send would.
		room.ForceOffline()

		e.Send("hello")
		synctest.Wait()

		assert.Empty(t, e.View(), "failed optimistic entry is discarded")
		assert.Equal(t, []string{"hello"}, failures.all(), "typed text is restored to the input")
		assert.True(t, monitor.Degraded(), "connectivity-class failure degrades the connection")
	})
}

func TestEngine_LateCommitAfterCloseIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		gated := newGatedStore(room)

		var failures failureRecorder

		e := newTestEngine(t, gated, NewSession(), nil, failures.record)

		openEngine(t, e)
		synctest.Wait()

		e.Send("hello")
		e.Close()

		close(gated.release)
		time.Sleep(time.Second)
		synctest.Wait()

		assert.Empty(t, e.View())
		assert.Empty(t, failures.all(), "resolutions after teardown are dropped, not surfaced")
	})
}

// --- snapshot application ---

func TestEngine_SnapshotIsIdempotentFullReplace(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		session := NewSession()
		room := store.NewMemory().Room("r1")
		e := newTestEngine(t, room, session, nil, nil)

		defer e.Close()

		records := []store.Record{
			{ID: "m1", Text: "first", SenderID: session.ID, CreatedAt: 100, ReadBy: map[string]int64{session.ID: 100}},
			{ID: "m2", Text: "second", SenderID: session.ID, CreatedAt: 200, ReadBy: map[string]int64{session.ID: 200}},
		}

		e.applySnapshot(records)
		once := e.View()

		e.applySnapshot(records)
		twice := e.View()

		assert.Equal(t, once, twice, "pure replace, no accumulation")
		require.Len(t, twice, 2)
		assert.Equal(t, "m1", twice[0].ID)
		assert.Equal(t, "m2", twice[1].ID)
	})
}

func TestEngine_SnapshotOrdersAscendingByCreatedAt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		session := NewSession()
		room := store.NewMemory().Room("r1")
		e := newTestEngine(t, room, session, nil, nil)

		defer e.Close()

		e.applySnapshot([]store.Record{
			{ID: "m2", Text: "later", SenderID: session.ID, CreatedAt: 200, ReadBy: map[string]int64{session.ID: 200}},
			{ID: "m1", Text: "earlier", SenderID: session.ID, CreatedAt: 100, ReadBy: map[string]int64{session.ID: 100}},
		})

		view := e.View()
		require.Len(t, view, 2)
		assert.Equal(t, "m1", view[0].ID)
		assert.Equal(t, "m2", view[1].ID)
	})
}

func TestEngine_SnapshotDecryptsAtIngress(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		session := NewSession()
		room := store.NewMemory().Room("r1")
		e := newTestEngine(t, room, session, nil, nil)

		defer e.Close()

		codec := testCodec(t)

		ct, ok := codec.Encrypt("secret hello")
		require.True(t, ok)

		e.applySnapshot([]store.Record{
			{ID: "m1", Text: ct, SenderID: session.ID, CreatedAt: 100, ReadBy: map[string]int64{session.ID: 100}, Encrypted: true},
			{ID: "m2", Text: "garbage-not-hex", SenderID: session.ID, CreatedAt: 200, ReadBy: map[string]int64{session.ID: 200}, Encrypted: true},
		})

		view := e.View()
		require.Len(t, view, 2)
		assert.Equal(t, "secret hello", view[0].Text)
		assert.Equal(t, Sentinel, view[1].Text, "undecryptable bodies render the sentinel")
	})
}

// --- read receipts ---

func TestEngine_ReadReceiptFlow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mem := store.NewMemory()
		roomA := mem.Room("r1")
		roomB := mem.Room("r1")

		sessionA := NewSession()
		sessionB := NewSession()

		a := newTestEngine(t, roomA, sessionA, nil, nil)
		b := newTestEngine(t, roomB, sessionB, nil, nil)

		defer func() {
			a.Close()
			b.Close()
		}()

		openEngine(t, a)
		openEngine(t, b)
		synctest.Wait()

		a.Send("hello")
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		view := a.View()
		require.Len(t, view, 1)
		assert.Equal(t, StatusSent, DeliveryStatus(view[0], sessionA.ID))

		// B's receipt lands after the debounce window and flows back to A.
		time.Sleep(time.Second)
		synctest.Wait()

		view = a.View()
		require.Len(t, view, 1)
		assert.Equal(t, StatusRead, DeliveryStatus(view[0], sessionA.ID))

		bView := b.View()
		require.Len(t, bView, 1)
		assert.Equal(t, "hello", bView[0].Text)
		assert.Equal(t, StatusNone, DeliveryStatus(bView[0], sessionB.ID))
	})
}

func TestEngine_ReceiptsCapAtNewestThree(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mem := store.NewMemory()
		room := mem.Room("r1")
		other := NewSession()

		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := room.Append(ctx, store.Record{
				Text:     fmt.Sprintf("msg %d", i),
				SenderID: other.ID,
				ReadBy:   map[string]int64{other.ID: 0},
			})
			require.NoError(t, err)
		}

		session := NewSession()
		e := newTestEngine(t, mem.Room("r1"), session, nil, nil)

		defer e.Close()
		openEngine(t, e)

		// First debounce window: only the 3 newest unread get receipts.
		time.Sleep(receiptDelay + 50*time.Millisecond)
		synctest.Wait()

		recs, err := room.FetchUpTo(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 5)

		read := 0

		for _, rec := range recs {
			if _, ok := rec.ReadBy[session.ID]; ok {
				read++
			}
		}

		assert.Equal(t, 3, read, "first pass marks at most the 3 most recent")

		// The receipt write broadcasts a fresh snapshot, so the rest
		// drain on subsequent passes.
		time.Sleep(2 * time.Second)
		synctest.Wait()

		recs, err = room.FetchUpTo(ctx, 10)
		require.NoError(t, err)

		read = 0

		for _, rec := range recs {
			if _, ok := rec.ReadBy[session.ID]; ok {
				read++
			}
		}

		assert.Equal(t, 5, read)
	})
}

func TestEngine_ReceiptsSkippedWhileDegraded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		monitor := NewMonitor(room, quietLogger())
		session := NewSession()
		e := newTestEngine(t, room, session, monitor, nil)

		defer func() {
			e.Close()
			monitor.Close()
		}()

		monitor.Degrade()
		e.flushReceipts([]string{"m1", "m2"})

		recs, err := room.FetchUpTo(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestEngine_ReceiptNotFoundIsSwallowed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		monitor := NewMonitor(room, quietLogger())
		e := newTestEngine(t, room, NewSession(), monitor, nil)

		defer func() {
			e.Close()
			monitor.Close()
		}()

		// Receipt target deleted concurrently: permanent, no degrade.
		e.flushReceipts([]string{"gone"})

		assert.False(t, monitor.Degraded())
	})
}

// --- degraded/recovery cycle ---

func TestEngine_SubscriptionErrorDegradesAndSnapshotRecovers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		monitor := NewMonitor(room, quietLogger())
		session := NewSession()
		e := newTestEngine(t, room, session, monitor, nil)

		defer func() {
			e.Close()
			monitor.Close()
		}()

		openEngine(t, e)
		synctest.Wait()

		e.handleSubError(fmt.Errorf("stream broken"))
		assert.True(t, monitor.Degraded())

		// The scheduled recovery bounces the transport; the fresh
		// snapshot it produces flips the state back to healthy.
		time.Sleep(4 * time.Second)
		synctest.Wait()

		assert.False(t, monitor.Degraded())

		// Sends resume once healthy.
		e.Send("back online")
		time.Sleep(time.Second)
		synctest.Wait()

		view := e.View()
		require.Len(t, view, 1)
		assert.Equal(t, "back online", view[0].Text)
	})
}

// --- teardown ---

func TestEngine_CloseIsIdempotentAndClearsView(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		room := store.NewMemory().Room("r1")
		e := newTestEngine(t, room, NewSession(), nil, nil)

		openEngine(t, e)
		synctest.Wait()

		e.Send("hello")
		time.Sleep(time.Second)
		synctest.Wait()

		require.Len(t, e.View(), 1)

		e.Close()
		e.Close()

		assert.Empty(t, e.View())

		e.Send("after close")
		synctest.Wait()
		assert.Empty(t, e.View())
	})
}
