package server

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

// hubSubChanSize buffers snapshot delivery per subscriber so one slow
// connection cannot stall a broadcast.
const hubSubChanSize = 8

type hubSub struct {
	room string
	ch   chan []store.Record
}

// Hub coordinates the room logs and their live subscribers. Every
// mutation of a room log pushes the room's fresh window (full
// replacement, ascending order) to all of the room's subscribers.
type Hub struct {
	store  *BoltStore
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*hubSub]bool
}

// NewHub creates a hub over the given store.
func NewHub(st *BoltStore, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		store:  st,
		logger: logger,
		subs:   make(map[string]map[*hubSub]bool),
	}
}

// EnsureRoom registers a room id, counting only first-time creations.
func (h *Hub) EnsureRoom(roomID string) error {
	exists, err := h.store.RoomExists(roomID)
	if err != nil {
		return err
	}

	if err := h.store.CreateRoom(roomID); err != nil {
		return err
	}

	if !exists {
		metricRoomsCreated.Inc()
		h.logger.Info("room created", slog.String("room", roomID))
	}

	return nil
}

// RoomExists reports whether the room id is registered.
func (h *Hub) RoomExists(roomID string) (bool, error) {
	return h.store.RoomExists(roomID)
}

// Append commits a record and broadcasts the updated window.
func (h *Hub) Append(roomID string, rec store.Record) (string, error) {
	committed, err := h.store.AppendMessage(roomID, rec)
	if err != nil {
		return "", err
	}

	metricMessagesAppended.Inc()
	h.broadcast(roomID)

	return committed.ID, nil
}

// Update applies a batch of read-receipt field updates. The only
// updatable path is "readBy.<session>". The window is rebroadcast only
// when at least one record actually changed.
func (h *Hub) Update(roomID string, updates []store.FieldUpdate) error {
	if len(updates) > store.MaxBatchUpdate {
		return fmt.Errorf("batch of %d exceeds limit %d", len(updates), store.MaxBatchUpdate)
	}

	changed := false

	var firstErr error

	for _, up := range updates {
		session, ok := strings.CutPrefix(up.Field, "readBy.")
		if !ok || session == "" {
			if firstErr == nil {
				firstErr = fmt.Errorf("unsupported field path %q", up.Field)
			}

			continue
		}

		applied, err := h.store.MarkRead(roomID, up.ID, session, up.Value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if applied {
			changed = true
		}
	}

	if changed {
		h.broadcast(roomID)
	}

	return firstErr
}

// Fetch returns up to n records, oldest first.
func (h *Hub) Fetch(roomID string, n int) ([]store.Record, error) {
	return h.store.Fetch(roomID, n)
}

// Delete removes records from the room log and broadcasts the shrunken
// window to anyone still subscribed.
func (h *Hub) Delete(roomID string, ids []string) error {
	deleted, err := h.store.Delete(roomID, ids)
	if err != nil {
		return err
	}

	if deleted > 0 {
		metricRecordsDeleted.Add(float64(deleted))
		h.broadcast(roomID)
	}

	return nil
}

// Subscribe registers for window pushes on a room. The current window is
// queued immediately. The returned cancel is idempotent.
func (h *Hub) Subscribe(roomID string) (<-chan []store.Record, func(), error) {
	window, err := h.store.Window(roomID)
	if err != nil {
		return nil, nil, err
	}

	sub := &hubSub{
		room: roomID,
		ch:   make(chan []store.Record, hubSubChanSize),
	}
	sub.ch <- window

	h.mu.Lock()

	if h.subs[roomID] == nil {
		h.subs[roomID] = make(map[*hubSub]bool)
	}

	h.subs[roomID][sub] = true
	h.mu.Unlock()

	metricActiveSubscriptions.Inc()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[roomID], sub)
			h.mu.Unlock()

			metricActiveSubscriptions.Dec()
		})
	}

	return sub.ch, cancel, nil
}

// broadcast pushes the room's current window to every subscriber. A
// subscriber with a full channel loses its oldest queued window; only
// the latest matters since each push is a full replacement.
func (h *Hub) broadcast(roomID string) {
	window, err := h.store.Window(roomID)
	if err != nil {
		h.logger.Warn("broadcast window read failed",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
		)

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[roomID] {
		select {
		case sub.ch <- window:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- window:
			default:
			}
		}
	}
}
