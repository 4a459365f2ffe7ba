package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memSubChanSize buffers snapshot delivery per subscriber so a slow
// consumer does not block the store's own scheduling turn.
const memSubChanSize = 8

// Memory is an in-process store used by tests and the client's local
// mode. It implements Directory; per-room handles implementing
// RoomStore are obtained via Room.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]bool
	logs  map[string]*MemoryRoom
	now   func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string]bool),
		logs:  make(map[string]*MemoryRoom),
		now:   time.Now,
	}
}

// Exists reports whether the room was created.
func (m *Memory) Exists(_ context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rooms[roomID], nil
}

// Create registers a room id. Creating an existing room is a no-op.
func (m *Memory) Create(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[roomID] = true

	return nil
}

// Room returns the per-room store handle, creating the backing log on
// first use. Handles for the same room share one log, so two sessions
// joining the same room see each other's messages.
func (m *Memory) Room(roomID string) *MemoryRoom {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[roomID]
	if !ok {
		log = &MemoryRoom{
			now:  m.now,
			subs: make(map[int]*memSub),
		}
		m.logs[roomID] = log
	}

	return log
}

type memSub struct {
	ch   chan []Record
	done chan struct{}
}

// MemoryRoom is the RoomStore implementation backing one room of a
// Memory store.
type MemoryRoom struct {
	now func() time.Time

	mu      sync.Mutex
	records []Record
	lastTS  int64
	subs    map[int]*memSub
	nextSub int
	offline bool
}

// stampLocked returns a strictly increasing unix-millisecond timestamp
// so records sort deterministically even within one millisecond.
func (r *MemoryRoom) stampLocked() int64 {
	ts := r.now().UnixMilli()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}

	r.lastTS = ts

	return ts
}

// Append commits a record, assigning a durable id and the server
// timestamp. Zero-valued readBy entries are stamped with the commit
// time, matching the relay's behaviour.
func (r *MemoryRoom) Append(_ context.Context, rec Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return "", &TransientError{Err: fmt.Errorf("store offline")}
	}

	rec = rec.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = r.stampLocked()

	for k, v := range rec.ReadBy {
		if v == 0 {
			rec.ReadBy[k] = rec.CreatedAt
		}
	}

	r.records = append(r.records, rec)
	r.broadcastLocked()

	return rec.ID, nil
}

// Subscribe registers a snapshot callback. The current window is
// delivered immediately; every subsequent change delivers a fresh full
// window. Delivery happens on a dedicated goroutine per subscriber so
// ordering is preserved without blocking writers.
func (r *MemoryRoom) Subscribe(_ context.Context, onSnapshot func([]Record), onError func(error)) (func(), error) {
	_ = onError // the in-process transport cannot fail

	sub := &memSub{
		ch:   make(chan []Record, memSubChanSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = sub

	if !r.offline {
		sub.ch <- r.windowLocked()
	}
	r.mu.Unlock()

	go func() {
		for {
			select {
			case snap := <-sub.ch:
				onSnapshot(snap)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(sub.done)
		})
	}

	return cancel, nil
}

// BatchUpdate applies up to MaxBatchUpdate field updates. Unknown field
// paths and missing records fail the call without a retryable class;
// readBy entries are append-only and an existing entry is left alone.
func (r *MemoryRoom) BatchUpdate(_ context.Context, updates []FieldUpdate) error {
	if len(updates) > MaxBatchUpdate {
		return fmt.Errorf("batch of %d exceeds limit %d", len(updates), MaxBatchUpdate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return &TransientError{Err: fmt.Errorf("store offline")}
	}

	applied := false

	var firstErr error

	for _, up := range updates {
		session, ok := strings.CutPrefix(up.Field, "readBy.")
		if !ok || session == "" {
			if firstErr == nil {
				firstErr = fmt.Errorf("unsupported field path %q", up.Field)
			}

			continue
		}

		idx := r.indexOfLocked(up.ID)
		if idx < 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("updating %s: %w", up.ID, ErrNotFound)
			}

			continue
		}

		if _, seen := r.records[idx].ReadBy[session]; seen {
			continue
		}

		r.records[idx].ReadBy[session] = up.Value
		applied = true
	}

	if applied {
		r.broadcastLocked()
	}

	return firstErr
}

// FetchUpTo returns up to n records, oldest first.
func (r *MemoryRoom) FetchUpTo(_ context.Context, n int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return nil, &TransientError{Err: fmt.Errorf("store offline")}
	}

	if n > len(r.records) {
		n = len(r.records)
	}

	out := make([]Record, 0, n)
	for _, rec := range r.records[:n] {
		out = append(out, rec.Clone())
	}

	return out, nil
}

// BatchDelete removes the given ids. Missing ids are skipped silently;
// deletion is best-effort by design.
func (r *MemoryRoom) BatchDelete(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return &TransientError{Err: fmt.Errorf("store offline")}
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := r.records[:0]

	for _, rec := range r.records {
		if !drop[rec.ID] {
			kept = append(kept, rec)
		}
	}

	if len(kept) != len(r.records) {
		r.records = kept
		r.broadcastLocked()
	}

	return nil
}

// ForceOffline suspends the transport: writes fail with a
// TransientError and no snapshots are delivered.
func (r *MemoryRoom) ForceOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = true
}

// ForceOnline resumes the transport and re-delivers the current window
// to every subscriber, standing in for the resubscribe a remote
// transport performs after reconnecting.
func (r *MemoryRoom) ForceOnline(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = false
	r.broadcastLocked()

	return nil
}

func (r *MemoryRoom) indexOfLocked(id string) int {
	for i := range r.records {
		if r.records[i].ID == id {
			return i
		}
	}

	return -1
}

// windowLocked returns the newest SnapshotWindow records in ascending
// order, deep-copied.
func (r *MemoryRoom) windowLocked() []Record {
	start := 0
	if len(r.records) > SnapshotWindow {
		start = len(r.records) - SnapshotWindow
	}

	out := make([]Record, 0, len(r.records)-start)
	for _, rec := range r.records[start:] {
		out = append(out, rec.Clone())
	}

	return out
}

func (r *MemoryRoom) broadcastLocked() {
	snap := r.windowLocked()

	for _, sub := range r.subs {
		select {
		case sub.ch <- snap:
		default:
			// Channel full: drop the oldest queued snapshot so the
			// subscriber always converges on the latest window.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
