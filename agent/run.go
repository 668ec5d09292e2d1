package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/audit"
	"fleetguard/agent/internal/auth"
	"fleetguard/agent/internal/buffer"
	"fleetguard/agent/internal/collectors"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/db"
	"fleetguard/agent/internal/executor"
	"fleetguard/agent/internal/heartbeat"
	"fleetguard/agent/internal/ipc"
	"fleetguard/agent/internal/logger"
	"fleetguard/agent/internal/queue"
	"fleetguard/agent/internal/session"
	"fleetguard/agent/internal/state"
	"fleetguard/agent/internal/supervisor"
	"fleetguard/agent/internal/svc"
	"fleetguard/agent/internal/transport"
	"fleetguard/network"
)

// connSignaler hands session signaling to whichever control connection is
// live right now. The session manager outlives individual connections.
type connSignaler struct {
	mu   sync.Mutex
	conn *transport.Conn
}

func (s *connSignaler) set(c *transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *connSignaler) current() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *connSignaler) SendAnswer(a network.SessionAnswer) error {
	c := s.current()
	if c == nil {
		return errors.New("control channel not connected")
	}
	return c.SendAnswer(a)
}

func (s *connSignaler) SendClose(cl network.SessionClose) error {
	c := s.current()
	if c == nil {
		return errors.New("control channel not connected")
	}
	return c.SendClose(cl)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if svc.Interactive() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-stop
			cancel()
		}()
		return runAgent(ctx, *cfgFile)
	}

	done := make(chan error, 1)
	return svc.Run(
		func() {
			err := runAgent(ctx, *cfgFile)
			if err != nil {
				log := logger.C("main")
				log.Error().Err(err).Msg("agent exited")
			}
			done <- err
		},
		func() {
			cancel()
			<-done
		},
	)
}

func runAgent(ctx context.Context, cfgFile string) error {
	snap, warnings, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(snap.LogFile, snap.LogLevel, snap.LogFormat); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.C("main")
	for _, w := range warnings {
		log.Warn().Err(w).Msg("config")
	}

	store := config.NewStore(snap)
	stopWatch, err := config.Watch(store, cfgFile)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable, edits need a restart")
	} else {
		defer stopWatch()
	}

	if err := os.MkdirAll(snap.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	adb, err := db.Init(filepath.Join(snap.DataDir, "agent.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}

	agentID, credential, err := auth.Load(adb)
	if errors.Is(err, auth.ErrNoCredential) {
		return errors.New(`agent is not enrolled, run "fleetguard-agent enroll" first`)
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	state.SetIdentity(state.Identity{
		AgentID: agentID,
		OrgID:   snap.OrgID,
		SiteID:  snap.SiteID,
		Tags:    snap.Tags,
	})
	state.SetCredential(credential)
	if auth.ExpiresSoon(credential, 30*24*time.Hour) {
		exp, _ := auth.Expiry(credential)
		log.Warn().Time("expiry", exp).Msg("credential expires soon, expecting server-side rotation")
	}

	buf, err := buffer.New(adb, snap.OfflineBufferCapacity)
	if err != nil {
		return fmt.Errorf("offline buffer: %w", err)
	}
	store.Subscribe(func(next *config.Snapshot) {
		buf.SetCapacity(next.OfflineBufferCapacity)
	})
	rec := audit.NewRecorder(adb)

	q := queue.New(store, executor.New(store), rec)
	go q.Run(ctx)

	met := collectors.NewMetrics()
	go met.Run(ctx, store)

	inv := collectors.NewInventory(buf)
	if err := inv.Start(store.Snapshot().InventorySchedule); err != nil {
		log.Warn().Err(err).Msg("inventory schedule rejected, periodic collection disabled")
	} else {
		defer inv.Stop()
	}

	sig := &connSignaler{}
	mgr := session.NewManager(store, sig, rec)
	defer mgr.CloseAll(network.CloseReasonAgentClosed)

	sup := supervisor.New(store)

	srv, err := ipc.Listen(snap.IPCSocketPath, ipc.Handlers{
		Status: func() ipc.StatusReport {
			return ipc.StatusReport{
				Version:     network.AgentVersion,
				AgentID:     agentID,
				Connection:  sup.Status(),
				QueueDepth:  q.Depth(),
				InFlight:    q.InFlight(),
				BufferedLen: buf.Len(),
				Sessions:    mgr.Active(),
			}
		},
		Approve: mgr.Approve,
		Deny:    mgr.Deny,
	})
	if err != nil {
		log.Warn().Err(err).Msg("control socket unavailable, CLI status and approvals disabled")
	} else {
		defer srv.Close()
	}

	log.Info().Str("agent", agentID).Str("version", network.AgentVersion).Msg("agent starting")

	err = sup.Run(ctx, func(sctx context.Context, ready func()) error {
		return runSession(sctx, store, sig, mgr, q, buf, rec, met, ready)
	})
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("agent stopped")
		return nil
	}
	return err
}

// runSession is one connected episode: dial the control channel, report
// ready, then pump server events alongside the heartbeat loop until
// either side fails.
func runSession(ctx context.Context, store *config.Store, sig *connSignaler, mgr *session.Manager, q *queue.Queue, buf *buffer.Buffer, rec *audit.Recorder, met *collectors.Metrics, ready func()) error {
	id, credential := state.GetIdentity(), state.GetCredential()

	conn, err := transport.Dial(ctx, store.Snapshot().ServerURL, id.AgentID, credential)
	if err != nil {
		return err
	}
	sig.set(conn)
	defer sig.set(nil)
	defer conn.Close()

	ready()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	hb := heartbeat.New(store, q, buf, rec, met.Latest, id.AgentID, credential)
	hbErr := make(chan error, 1)
	go func() { hbErr <- hb.Run(hbCtx) }()

	log := logger.C("main")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-hbErr:
			return err
		case ev, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("control channel closed")
			}
			dispatchEvent(ctx, log, mgr, q, ev)
		}
	}
}

func dispatchEvent(ctx context.Context, log zerolog.Logger, mgr *session.Manager, q *queue.Queue, ev network.ServerEvent) {
	switch ev.Kind {
	case network.EventCommand:
		if ev.Command != nil {
			q.Enqueue(*ev.Command)
		}
	case network.EventCancelCommand:
		if ev.Cancel != nil {
			q.Cancel(ev.Cancel.CommandID)
		}
	case network.EventSessionOffer:
		if ev.Offer != nil {
			go mgr.HandleOffer(ctx, *ev.Offer)
		}
	case network.EventSessionClose:
		if ev.Close != nil {
			mgr.HandleClose(*ev.Close)
		}
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("unhandled control event")
	}
}
