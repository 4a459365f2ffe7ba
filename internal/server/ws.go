package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

const (
	// helloTimeout bounds how long a fresh connection may sit silent
	// before the hello arrives.
	helloTimeout = 10 * time.Second

	// frameReadLimit caps inbound frame size.
	frameReadLimit = 1024 * 1024

	// outChanSize buffers outbound frames per connection.
	outChanSize = 16
)

// WSHandler upgrades connections and speaks the relay protocol: one
// hello handshake, then request/response ops plus pushed snapshots.
type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSHandler{hub: hub, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(frameReadLimit)
	metricConnections.Inc()

	sess, err := h.handshake(r.Context(), conn)
	if err != nil {
		h.logger.Warn("handshake failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")

		return
	}

	sess.run(r.Context())
}

// handshake reads the hello frame, registers the room, and confirms.
// Rooms are derived from passphrases client-side, so an unknown room id
// in a hello is simply a room nobody has written to yet.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (*wsSession, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	var hello store.ClientMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}

	if hello.Op != store.OpHello || hello.Room == "" || hello.Session == "" {
		reply, _ := json.Marshal(store.ServerMessage{Res: store.ResErr, Msg: "invalid hello"})
		conn.Write(helloCtx, websocket.MessageText, reply)

		return nil, fmt.Errorf("invalid hello frame")
	}

	if err := h.hub.EnsureRoom(hello.Room); err != nil {
		return nil, fmt.Errorf("registering room: %w", err)
	}

	reply, _ := json.Marshal(store.ServerMessage{Res: store.ResOK})
	if err := conn.Write(helloCtx, websocket.MessageText, reply); err != nil {
		return nil, fmt.Errorf("confirming hello: %w", err)
	}

	h.logger.Info("client connected",
		slog.String("room", hello.Room),
		slog.String("session", hello.Session),
	)

	return &wsSession{
		hub:     h.hub,
		conn:    conn,
		logger:  h.logger,
		room:    hello.Room,
		session: hello.Session,
		out:     make(chan []byte, outChanSize),
	}, nil
}

// wsSession is one connected client after a successful hello. All
// writes to the connection happen from the single writer goroutine fed
// by out, so responses and snapshot pushes never interleave mid-frame.
type wsSession struct {
	hub     *Hub
	conn    *websocket.Conn
	logger  *slog.Logger
	room    string
	session string
	out     chan []byte

	unsubscribe func()
}

func (s *wsSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	defer func() {
		cancel()

		if s.unsubscribe != nil {
			s.unsubscribe()
		}

		s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("client disconnected",
			slog.String("room", s.room),
			slog.String("session", s.session),
		)
	}()

	go s.writer(ctx)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg store.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: "malformed frame"})
			continue
		}

		s.dispatch(ctx, msg)
	}
}

// writer drains out onto the connection. Exits when the session context
// ends or a write fails (the read loop will then fail too).
func (s *wsSession) writer(ctx context.Context) {
	for {
		select {
		case data := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) dispatch(ctx context.Context, msg store.ClientMessage) {
	switch msg.Op {
	case store.OpPing:
		s.push(store.ServerMessage{Op: store.OpPong})

	case store.OpSubscribe:
		s.handleSubscribe(ctx)

	case store.OpUnsubscribe:
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}

		s.reply(store.ServerMessage{Res: store.ResOK})

	case store.OpAppend:
		s.handleAppend(msg)

	case store.OpUpdate:
		if err := s.hub.Update(s.room, msg.Updates); err != nil {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
			return
		}

		s.reply(store.ServerMessage{Res: store.ResOK})

	case store.OpFetch:
		s.handleFetch(msg)

	case store.OpDelete:
		if err := s.hub.Delete(s.room, msg.IDs); err != nil {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
			return
		}

		s.reply(store.ServerMessage{Res: store.ResOK})

	case store.OpExists:
		exists, err := s.hub.RoomExists(msg.Room)
		if err != nil {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
			return
		}

		s.reply(store.ServerMessage{Res: store.ResOK, Exists: exists})

	case store.OpCreate:
		if msg.Room == "" {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: "room id required"})
			return
		}

		if err := s.hub.EnsureRoom(msg.Room); err != nil {
			s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
			return
		}

		s.reply(store.ServerMessage{Res: store.ResOK})

	default:
		s.reply(store.ServerMessage{Res: store.ResErr, Msg: "unknown op " + msg.Op})
	}
}

// handleSubscribe attaches the session to the room's broadcast set and
// starts forwarding windows as snapshot frames. Subscribing again first
// detaches the old subscription.
func (s *wsSession) handleSubscribe(ctx context.Context) {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	windows, cancel, err := s.hub.Subscribe(s.room)
	if err != nil {
		s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
		return
	}

	s.unsubscribe = cancel

	// Confirm before the initial snapshot so the client sees the
	// response to its request first.
	s.reply(store.ServerMessage{Res: store.ResOK})

	go func() {
		for {
			select {
			case window := <-windows:
				s.push(snapshotFrame(window))

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *wsSession) handleAppend(msg store.ClientMessage) {
	if msg.Record == nil || msg.Record.Text == "" || msg.Record.SenderID == "" {
		s.reply(store.ServerMessage{Res: store.ResErr, Msg: "invalid record"})
		return
	}

	id, err := s.hub.Append(s.room, *msg.Record)
	if err != nil {
		s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
		return
	}

	s.reply(store.ServerMessage{Res: store.ResOK, ID: id})
}

func (s *wsSession) handleFetch(msg store.ClientMessage) {
	limit := msg.Limit
	if limit <= 0 {
		limit = store.SnapshotWindow
	}

	recs, err := s.hub.Fetch(s.room, limit)
	if err != nil {
		s.reply(store.ServerMessage{Res: store.ResErr, Msg: err.Error()})
		return
	}

	s.reply(store.ServerMessage{Res: store.ResOK, Records: marshalRecords(recs)})
}

func (s *wsSession) reply(msg store.ServerMessage) {
	s.push(msg)
}

// push queues a frame for the writer, dropping it if the client cannot
// keep up. A dropped response surfaces client-side as a timeout.
func (s *wsSession) push(msg any) {
	var (
		data []byte
		err  error
	)

	switch m := msg.(type) {
	case []byte:
		data = m
	default:
		data, err = json.Marshal(msg)
		if err != nil {
			s.logger.Warn("marshalling frame", slog.String("error", err.Error()))
			return
		}
	}

	select {
	case s.out <- data:
	default:
		s.logger.Warn("dropping frame for slow client",
			slog.String("room", s.room),
			slog.String("session", s.session),
		)
	}
}

func snapshotFrame(window []store.Record) []byte {
	frame, err := json.Marshal(store.ServerMessage{
		Op:      store.OpSnapshot,
		Records: marshalRecords(window),
	})
	if err != nil {
		return []byte(`{"op":"snapshot","records":[]}`)
	}

	return frame
}

func marshalRecords(recs []store.Record) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(recs))

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}

		out = append(out, json.RawMessage(data))
	}

	return out
}
