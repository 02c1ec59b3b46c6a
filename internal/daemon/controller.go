// Package daemon implements the process lifecycle controller: it runs the
// daemon as a sequence of generations, each built from a fresh configuration
// read, and translates POSIX signals into generation transitions. SIGHUP
// restarts into a new generation without dropping the process; SIGINT and
// SIGTERM end the last generation and exit.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/vrui-vr/vrdeviced/internal/api"
	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/device"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
	"github.com/vrui-vr/vrdeviced/internal/integration"
	"github.com/vrui-vr/vrdeviced/internal/server"
	"github.com/vrui-vr/vrdeviced/internal/storage"
	"github.com/vrui-vr/vrdeviced/pkg/crypto"
)

// Options is the CLI-derived controller configuration.
type Options struct {
	ConfigPath   string
	MergeConfigs []string
	RootSection  string

	// HTTPPort overrides the configured status API port when nonzero.
	HTTPPort int
}

type action int32

const (
	actionNone action = iota
	actionRestart
	actionShutdown
)

// Controller drives the Starting -> Running -> (Restarting | ShuttingDown)
// state machine. Nothing survives a generation boundary except the
// controller itself and pending signals.
type Controller struct {
	opts       Options
	action     atomic.Int32
	sigCh      chan os.Signal
	stopGen    atomic.Value // func()
	generation atomic.Int64
}

// New creates a controller.
func New(opts Options) *Controller {
	return &Controller{
		opts:  opts,
		sigCh: make(chan os.Signal, 4),
	}
}

// Generation returns the number of completed Starting transitions.
func (c *Controller) Generation() int64 { return c.generation.Load() }

// RequestRestart triggers the same transition as SIGHUP. Safe from any
// goroutine; real work happens on the generation boundary.
func (c *Controller) RequestRestart() {
	c.action.Store(int32(actionRestart))
	c.stopCurrent()
}

// RequestShutdown triggers the same transition as SIGTERM.
func (c *Controller) RequestShutdown() {
	c.action.Store(int32(actionShutdown))
	c.stopCurrent()
}

func (c *Controller) stopCurrent() {
	if f, ok := c.stopGen.Load().(func()); ok && f != nil {
		f()
	}
}

// Run executes generations until a shutdown transition. Startup errors are
// returned and treated as fatal by main; they are never retried.
func (c *Controller) Run() error {
	// Socket write errors must surface as error returns, not kill the
	// process.
	signal.Ignore(unix.SIGPIPE)
	signal.Notify(c.sigCh, unix.SIGHUP, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(c.sigCh)

	for {
		if err := c.runGeneration(); err != nil {
			return err
		}
		// Consume the restart request. A request landing after this swap
		// stays pending and is honored by the next generation's startup
		// check instead of being erased.
		if !c.action.CompareAndSwap(int32(actionRestart), int32(actionNone)) {
			log.Info().Msg("daemon shut down")
			return nil
		}
		log.Info().Msg("restarting")
	}
}

// runGeneration builds one complete daemon instance from a fresh
// configuration read, runs its dispatcher until a transition is requested,
// and tears everything down again.
func (c *Controller) runGeneration() error {
	rootSection := config.ResolveRootSection(c.opts.RootSection)
	cfg, err := config.Load(c.opts.ConfigPath, c.opts.MergeConfigs, rootSection)
	if err != nil {
		return err
	}
	if c.opts.HTTPPort != 0 {
		cfg.HTTP.Listen = fmt.Sprintf(":%d", c.opts.HTTPPort)
	}
	if err := applyLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := ensureJWTSecret(cfg); err != nil {
		return err
	}
	log.Info().Str("rootSection", rootSection).Str("config", c.opts.ConfigPath).Msg("starting")

	disp := dispatch.New()
	// Transitions requested while no dispatcher was live must unwind this
	// generation immediately instead of being dropped.
	c.stopGen.Store(disp.Stop)
	if action(c.action.Load()) != actionNone {
		disp.Stop()
	}
	mgr, err := device.NewManager(disp, cfg.Drivers)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg.Server, disp, mgr)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	pub, err := integration.New(cfg.NATS, cfg.MQTT)
	if err != nil {
		return err
	}
	defer pub.Close()

	srv.OnSessionEvent = func(ev server.SessionEvent) {
		pub.Publish(ev.Type, ev)
		id := ev.SessionID
		store.RecordAsync(ev.Type, &id, ev.Remote)
	}

	// Signal relay: the handler goroutine only records the requested
	// transition and pokes the dispatcher; all teardown happens here, on
	// the normal control path.
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-c.sigCh:
			if sig == unix.SIGHUP {
				c.action.Store(int32(actionRestart))
			} else {
				c.action.Store(int32(actionShutdown))
			}
			log.Info().Str("signal", sig.String()).Msg("signal received")
			disp.Stop()
		case <-done:
		}
	}()
	defer close(done)

	var watcher *fsnotify.Watcher
	if cfg.WatchConfig {
		watcher, err = c.watchConfig(disp)
		if err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		} else {
			defer watcher.Close()
		}
	}

	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Stop()
	srv.Start()
	defer srv.Stop()

	var apiSrv *api.Server
	if cfg.HTTP.Listen != "" {
		apiSrv = api.New(cfg.HTTP, disp, mgr, srv, c, store)
		go func() {
			if err := apiSrv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("status API server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			apiSrv.Shutdown(ctx)
		}()
	}

	c.generation.Add(1)
	pub.Publish("daemon.start", map[string]interface{}{"generation": c.Generation()})
	store.RecordAsync("daemon.start", nil, rootSection)

	disp.Run()

	pub.Publish("daemon.stop", map[string]interface{}{"generation": c.Generation()})
	store.RecordAsync("daemon.stop", nil, rootSection)
	return nil
}

// ensureJWTSecret fills in an ephemeral JWT secret when the status API is
// enabled without one. Tokens issued against it do not survive a restart.
func ensureJWTSecret(cfg *config.Config) error {
	if cfg.HTTP.Listen == "" || cfg.HTTP.JWTSecret != "" {
		return nil
	}
	secret, err := crypto.GenerateRandomString(32)
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}
	cfg.HTTP.JWTSecret = secret
	log.Warn().Msg("no jwtSecret configured, using an ephemeral one")
	return nil
}

// watchConfig restarts the daemon when the configuration file is rewritten.
func (c *Controller) watchConfig(disp *dispatch.Dispatcher) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(c.opts.ConfigPath); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info().Str("file", ev.Name).Msg("configuration changed, restarting")
					c.action.Store(int32(actionRestart))
					disp.Stop()
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, nil
}
