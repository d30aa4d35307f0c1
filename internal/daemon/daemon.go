// Package daemon ties the Port 42 pieces together: it listens on the
// socket, frames requests, routes them, and owns the session turn state
// machine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/port42/port42/internal/agent"
	"github.com/port42/port42/internal/artifact"
	"github.com/port42/port42/internal/config"
	"github.com/port42/port42/internal/llm"
	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/rules"
	"github.com/port42/port42/internal/session"
	"github.com/port42/port42/internal/telemetry"
)

// Daemon is the long-lived Port 42 process.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger
	stats  *telemetry.Stats

	registry *session.Registry
	store    session.Store
	agents   *agent.Registry
	dispatch *agent.Dispatcher
	detector *artifact.Detector
	commands *artifact.Materializer
	hooks    *rules.Engine

	client llm.Client
	port   string // the port actually bound, for status reporting
}

// Option configures a Daemon before it starts.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithClient sets the model backend client. Defaults to the Anthropic
// client using the environment's API key.
func WithClient(client llm.Client) Option {
	return func(d *Daemon) { d.client = client }
}

// WithStore overrides the session store.
func WithStore(store session.Store) Option {
	return func(d *Daemon) { d.store = store }
}

// WithRules sets the turn hook engine.
func WithRules(engine *rules.Engine) Option {
	return func(d *Daemon) { d.hooks = engine }
}

// New assembles a daemon from configuration. Everything not overridden by
// an option gets its production default.
func New(cfg config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = telemetry.NewLogger(nil, slog.LevelInfo)
	}
	d.stats = telemetry.NewStats()
	d.registry = session.NewRegistry()

	if d.store == nil {
		store, err := session.NewJournalStore(cfg.MemoryDir(), d.logger)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		d.store = store
	}

	agents, err := agent.NewRegistry(cfg.ResolveAgentsPath(), d.logger)
	if err != nil {
		return nil, fmt.Errorf("load agent personas: %w", err)
	}
	d.agents = agents

	if d.client == nil {
		d.client = llm.NewAnthropicClient()
	}
	d.dispatch = agent.NewDispatcher(d.client, d.agents, cfg.BackendTimeout.Std(), d.logger)
	d.detector = artifact.NewDetector(d.logger)

	d.commands, err = artifact.NewMaterializer(
		cfg.CommandsDir(),
		filepath.Join(cfg.BaseDir, "install-deps.sh"),
		d.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("open commands dir: %w", err)
	}

	if d.hooks == nil {
		d.hooks, err = rules.NewEngine(nil, d.logger)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Serve runs the daemon on an already-bound listener until ctx is done,
// then flushes all live sessions to disk.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	d.port = listenerPort(ln)
	d.logger.Info("daemon swimming", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		err := d.agents.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		d.cleanupLoop(ctx)
		return nil
	})

	if d.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return d.serveMetrics(ctx)
		})
	}

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go d.handleConn(ctx, conn)
		}
	})

	err := g.Wait()
	d.flushSessions()
	d.logger.Info("daemon stopped")
	return err
}

// handleConn frames and routes requests for one connection. A connection
// may carry any number of requests.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	for {
		req, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// One error response for the oversized request, then drop
				// the connection: the frame boundary is lost for good.
				enc.Encode(protocol.NewErrorResponse("", err.Error()))
				drainConn(conn)
				return
			}
			if errors.Is(err, protocol.ErrMalformedRequest) {
				resp := protocol.NewErrorResponse("", err.Error())
				if encErr := enc.Encode(resp); encErr != nil {
					return
				}
				continue
			}
			// Clean close or connection failure either way.
			return
		}

		// A dropped connection must not abort the turn mid-persist.
		turnCtx := telemetry.WithCorrelationID(context.WithoutCancel(ctx), "")
		resp := d.route(turnCtx, req)
		if err := enc.Encode(resp); err != nil {
			d.logger.Warn("failed to write response", "error", err)
			return
		}
	}
}

// drainConn half-closes the connection and discards whatever the peer has
// left in flight, so closing does not reset the socket under the error
// response still being delivered.
func drainConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	io.Copy(io.Discard, conn)
}

// cleanupLoop periodically flushes idle sessions out of memory. Their
// journals stay on disk and rehydrate on the next touch.
func (d *Daemon) cleanupLoop(ctx context.Context) {
	interval := d.cfg.CleanupInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepIdle()
		}
	}
}

func (d *Daemon) sweepIdle() {
	idle := d.cfg.IdleTimeout.Std()
	for _, snap := range d.registry.Snapshot() {
		if snap.State != session.StateEnded && time.Since(snap.LastActive) < idle {
			continue
		}

		h := d.registry.Acquire(snap.ID)
		sess := h.Session()
		if sess != nil {
			if sess.State == session.StateEnded || time.Since(sess.LastActive) >= idle {
				if err := d.store.Save(sess.Clone()); err != nil {
					d.logger.Error("failed to flush idle session", "session", sess.ID, "error", err)
				} else {
					h.Set(nil)
					d.logger.Debug("idle session flushed", "session", sess.ID)
				}
			}
		}
		h.Release()
	}
}

// flushSessions persists every live session during shutdown.
func (d *Daemon) flushSessions() {
	for _, snap := range d.registry.Snapshot() {
		h := d.registry.Acquire(snap.ID)
		if sess := h.Session(); sess != nil {
			if err := d.store.Save(sess.Clone()); err != nil {
				d.logger.Error("failed to flush session on shutdown", "session", sess.ID, "error", err)
			}
		}
		h.Release()
	}
}

// serveMetrics exposes the stats collector over HTTP until ctx is done.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.stats.Handler())
	srv := &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("metrics endpoint up", "addr", d.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func listenerPort(ln net.Listener) string {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("%d", addr.Port)
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return ""
	}
	return port
}
