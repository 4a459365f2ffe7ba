package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghostchat-app/ghostchat/internal/chat"
	"github.com/ghostchat-app/ghostchat/internal/config"
	"github.com/ghostchat-app/ghostchat/internal/decoy"
	"github.com/ghostchat-app/ghostchat/internal/gate"
	"github.com/ghostchat-app/ghostchat/internal/logging"
	"github.com/ghostchat-app/ghostchat/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	logger := logging.New(cfg.Environment, nil)
	logger.Info("ghostchat starting",
		slog.String("version", Version),
		slog.Bool("local", cfg.Local),
	)

	articles, err := decoy.Load()
	if err != nil {
		return fmt.Errorf("loading decoy content: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		gate:     gate.New(cfg.Passphrase),
		combo:    gate.NewCombo(cfg.UnlockGesture),
		taps:     gate.NewTapDetector(cfg.TapCount, time.Duration(cfg.TapWindowMs)*time.Millisecond),
		articles: articles,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.inputLoop(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.teardown()

		return nil
	})

	err = g.Wait()
	if err == errQuit {
		return nil
	}

	return err
}

// errQuit signals a clean user-initiated exit through the errgroup.
var errQuit = fmt.Errorf("quit")

// app owns the gate state machine and, while unlocked, the live chat
// session. The decoy screen is the only surface visible while locked.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	gate     *gate.Gate
	combo    gate.Combo
	taps     *gate.TapDetector
	articles []decoy.Article

	// awaitingPass marks that the gesture fired and the next input line
	// is a passphrase attempt.
	awaitingPass bool

	mu      sync.Mutex
	engine  *chat.Engine
	monitor *chat.Monitor
	purger  *chat.Purger
	remote  *store.Remote
	memory  *store.Memory
}

func (a *app) inputLoop(ctx context.Context) error {
	a.showDecoy()

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}

			if err := a.handle(ctx, line); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (a *app) handle(ctx context.Context, line string) error {
	if !a.gate.Unlocked() {
		a.handleLocked(ctx, line)
		return nil
	}

	switch strings.TrimSpace(line) {
	case "/quit":
		return errQuit

	case "/panic":
		a.panicPurge(ctx)
		return nil

	case "/lock":
		a.lock()
		return nil
	}

	if a.combo.Matches(line) {
		a.lock()
		return nil
	}

	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()

	if engine != nil {
		engine.Send(line)
	}

	return nil
}

// handleLocked drives the decoy state machine. The gesture (the key
// combo, or the configured number of blank-line taps inside the window)
// arms a silent passphrase prompt; everything else just browses
// articles. A failed passphrase drops straight back to the decoy with
// no hint that anything was attempted.
func (a *app) handleLocked(ctx context.Context, line string) {
	if a.awaitingPass {
		a.awaitingPass = false

		if a.gate.Unlock(line) {
			a.openSession(ctx, line)
			return
		}

		a.showDecoy()

		return
	}

	gesture := a.combo.Matches(line)
	if !gesture && strings.TrimSpace(line) == "" {
		gesture = a.taps.Tap()
	}

	if gesture {
		a.awaitingPass = true
		fmt.Print("> ")

		return
	}

	a.showDecoy()
}

func (a *app) showDecoy() {
	fmt.Print("\033[2J\033[H")
	decoy.Render(os.Stdout, a.articles)
}

// openSession derives the room from the passphrase and brings up the
// store, monitor, and engine. Called with the gate freshly unlocked.
func (a *app) openSession(ctx context.Context, passphrase string) {
	roomID, err := chat.DeriveRoomID(passphrase)
	if err != nil {
		a.logger.Error("room derivation failed", slog.String("error", err.Error()))
		a.lock()

		return
	}

	key, err := chat.DeriveKey(passphrase)
	if err != nil {
		a.logger.Error("key derivation failed", slog.String("error", err.Error()))
		a.lock()

		return
	}

	codec, err := chat.NewGCMCodec(key, a.logger)
	chat.ZeroKey(key)

	if err != nil {
		a.logger.Error("codec init failed", slog.String("error", err.Error()))
		a.lock()

		return
	}

	session := chat.NewSession()

	var st store.RoomStore

	if a.cfg.Local {
		if a.memory == nil {
			a.memory = store.NewMemory()
		}

		a.memory.Create(ctx, roomID)
		st = a.memory.Room(roomID)
	} else {
		remote := store.NewRemote(store.RemoteConfig{
			Host:     a.cfg.RelayHost,
			Insecure: a.cfg.Insecure,
			Room:     roomID,
			Session:  session.ID,
			Logger:   a.logger,
		})

		a.mu.Lock()
		a.remote = remote
		a.mu.Unlock()

		st = remote
	}

	monitor := chat.NewMonitor(st, a.logger)

	engine := chat.NewEngine(chat.EngineConfig{
		Room:    roomID,
		Session: session,
		Store:   st,
		Codec:   codec,
		Monitor: monitor,
		Logger:  a.logger,
		OnViewChange: func() {
			a.render()
		},
		OnSendFailure: func(text string) {
			fmt.Printf("\nsend failed, try again: %s\n", text)
		},
	})

	if err := engine.Open(ctx); err != nil {
		a.logger.Error("opening room failed", slog.String("error", err.Error()))
		engine.Close()
		monitor.Close()
		a.lock()

		return
	}

	purger := chat.NewPurger(st, a.logger, func() {
		a.lock()
	})

	a.mu.Lock()
	a.engine = engine
	a.monitor = monitor
	a.purger = purger
	a.mu.Unlock()

	fmt.Printf("\033[2J\033[H-- room %s --\n", roomID)
}

// render repaints the message view. Called from engine callbacks.
func (a *app) render() {
	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()

	if engine == nil {
		return
	}

	fmt.Print("\033[2J\033[H")

	for _, m := range engine.View() {
		who := m.SenderID
		if who == engine.Self() {
			who = "you"
		} else if len(who) > 8 {
			who = who[:8]
		}

		fmt.Printf("%s  %s: %s%s\n",
			m.CreatedAt.Format("15:04"),
			who,
			m.Text,
			statusMarker(m, engine.Self()),
		)
	}
}

func statusMarker(m chat.Message, self string) string {
	switch chat.DeliveryStatus(m, self) {
	case chat.StatusSending:
		return "  [sending]"
	case chat.StatusSent:
		return "  [sent]"
	case chat.StatusDelivered:
		return "  [delivered]"
	case chat.StatusRead:
		return "  [read]"
	default:
		return ""
	}
}

// panicPurge wipes the room and drops back to the decoy. The purger's
// reset callback re-locks the gate; teardown of the engine happened
// synchronously inside Purge.
func (a *app) panicPurge(ctx context.Context) {
	a.mu.Lock()
	engine := a.engine
	purger := a.purger
	a.mu.Unlock()

	if engine == nil || purger == nil {
		return
	}

	purger.Purge(ctx, engine)
}

// lock tears the session down and re-arms the gate.
func (a *app) lock() {
	a.teardown()
	a.gate.Lock()
	a.taps.Reset()
	a.showDecoy()
}

func (a *app) teardown() {
	a.mu.Lock()
	engine := a.engine
	monitor := a.monitor
	remote := a.remote
	a.engine = nil
	a.monitor = nil
	a.purger = nil
	a.remote = nil
	a.mu.Unlock()

	if engine != nil {
		engine.Close()
	}

	if monitor != nil {
		monitor.Close()
	}

	if remote != nil {
		remote.Close()
	}
}
