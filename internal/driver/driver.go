// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package driver assembles the filtering engine from a configuration and
// runs its workers.
package driver

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"grimm.is/flowguard/internal/api"
	"grimm.is/flowguard/internal/callout"
	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/config"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/qos"
)

// Options override parts of the assembly. The zero value builds
// everything from the configuration.
type Options struct {
	Clock  clock.Clock
	Logger *logging.Logger
	// Output receives log lines when Logger is nil. Defaults to stderr.
	Output io.Writer
}

// Driver is the filtering engine context: every table, queue and worker
// lives here rather than in package globals.
type Driver struct {
	config *config.Config
	logger *logging.Logger
	clock  clock.Clock

	rules      *engine.RuleSet
	resolver   kernel.ProcessResolver
	flows      *flow.Manager
	qos        *qos.Manager
	stack      kernel.Stack
	sim        *kernel.SimStack
	nfq        *kernel.NFQueueStack
	conntrack  *kernel.ConntrackWatcher
	dispatcher *callout.Dispatcher
	device     *ctlplane.Device
	rpc        *ctlplane.Server
	api        *api.Server
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	collector  *metrics.Collector

	buckets map[string]uint64

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	haltErr  error
	halted   atomic.Bool
	stopOnce sync.Once
}

// NewLogger builds the daemon logger from the logging block.
func NewLogger(cfg *config.LoggingConfig, out io.Writer) *logging.Logger {
	lc := logging.DefaultConfig()
	if out != nil {
		lc.Output = out
	}
	if cfg == nil {
		return logging.New(lc)
	}
	lc.Level = logging.ParseLevel(cfg.Level)
	lc.Format = cfg.Format
	if f := cfg.File; f != nil {
		lc.File = &logging.FileConfig{
			Filename:   f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		}
	}
	if s := cfg.Syslog; s != nil {
		lc.Syslog = &logging.SyslogConfig{
			Enabled:  s.Enabled,
			Host:     s.Host,
			Port:     s.Port,
			Protocol: s.Protocol,
			Tag:      s.Tag,
			Facility: s.Facility,
		}
	}
	return logging.New(lc)
}

// New builds the engine described by cfg. Defaults are applied to cfg and
// it is validated first.
func New(cfg *config.Config, opts Options) (*Driver, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs.Err()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Logging, opts.Output)
	}

	d := &Driver{
		config:   cfg,
		logger:   logger.WithComponent("driver"),
		clock:    clk,
		buckets:  make(map[string]uint64),
		metrics:  metrics.New(),
		registry: prometheus.NewRegistry(),
	}
	if err := d.metrics.Register(d.registry); err != nil {
		return nil, err
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e := cfg.Engine
	d.resolver = kernel.NewPSResolver(clk, config.Duration(e.ResolverCacheTTL, 5*time.Second))
	d.rules = engine.NewRuleSet(d.resolver, logger.WithComponent("rules"))
	d.flows = flow.NewManager(flow.Config{
		HashBuckets:     e.HashBuckets,
		MaxTCP:          e.MaxTCP,
		MaxUDP:          e.MaxUDP,
		MaxIPQueue:      e.MaxIPQueue,
		UDPIdleTimeout:  config.Duration(e.UDPIdleTimeout, 0),
		CleanupInterval: config.Duration(e.CleanupInterval, 0),
	}, clk, logger.WithComponent("flow"), d.Halt)
	d.qos = qos.NewManager(qos.Config{
		IdleTimeout: config.Duration(cfg.FlowControl.IdleTimeout, qos.DefaultIdleTimeout),
		TableSize:   qos.DefaultConfig().TableSize,
	}, clk, logger.WithComponent("qos"))
	// A deleted bucket must not leave flows charging a reused id.
	d.qos.OnDelete(d.flows.DetachFlowControl)

	if err := d.buildStack(logger); err != nil {
		return nil, err
	}

	d.dispatcher = callout.New(callout.Config{
		MaxInjectBacklog: e.MaxInjectBacklog,
		RetryInterval:    config.Duration(e.RetryInterval, 0),
	}, callout.Deps{
		Rules:   d.rules,
		Flows:   d.flows,
		QoS:     d.qos,
		Stack:   d.stack,
		Metrics: d.metrics,
		Clock:   clk,
		Logger:  logger.WithComponent("callout"),
	})
	switch {
	case d.sim != nil:
		d.sim.SetHandler(d.dispatcher)
	case d.nfq != nil:
		d.nfq.SetHandler(d.dispatcher)
		d.nfq.SetTeardown(d.teardown)
	}

	d.device = ctlplane.New(ctlplane.Config{
		RegionSize: cfg.IO.RegionSize,
		SharedDir:  cfg.IO.SharedDir,
		MaxEvents:  cfg.IO.MaxEvents,
		DriverType: cfg.Stack.Type,
	}, ctlplane.Deps{
		Dispatcher: d.dispatcher,
		Rules:      d.rules,
		QoS:        d.qos,
		Flows:      d.flows,
		Resolver:   d.resolver,
		Metrics:    d.metrics,
		Clock:      clk,
		Logger:     logger.WithComponent("device"),
	})
	rpcServer, err := ctlplane.NewServer(d.device, logger.WithComponent("ctl"))
	if err != nil {
		return nil, err
	}
	d.rpc = rpcServer

	if cfg.Metrics.Enabled {
		table := ""
		if d.nfq != nil {
			table = cfg.Stack.NFQueue.Table
		}
		d.collector = metrics.NewCollector(d.metrics, d, logger.WithComponent("metrics"),
			config.Duration(cfg.Metrics.Interval, 0), table)
	}
	if cfg.API.Enabled {
		d.api = api.NewServer(api.DefaultServerConfig(), d, d.registry, logger.WithComponent("api"))
	}

	if err := d.applyConfigRules(); err != nil {
		return nil, err
	}
	d.logger.Info("engine assembled",
		"stack", cfg.Stack.Type,
		"rules", len(d.rules.Rules()),
		"bind_rules", len(d.rules.BindRules()),
		"buckets", len(d.buckets))
	return d, nil
}

func (d *Driver) buildStack(logger *logging.Logger) error {
	sc := d.config.Stack
	switch sc.Type {
	case "sim":
		d.sim = kernel.NewSimStack(d.clock)
		d.stack = d.sim
	case "nfqueue":
		d.nfq = kernel.NewNFQueueStack(*sc.NFQueue, logger.WithComponent("nfqueue"))
		d.stack = d.nfq
	default:
		return errors.Attr(errors.Errorf(errors.KindValidation, "unknown stack type %q", sc.Type), "field", "stack.type")
	}
	if sc.Conntrack {
		d.conntrack = kernel.NewConntrackWatcher(d.teardown, logger.WithComponent("conntrack"))
	}
	return nil
}

// teardown closes the contexts of a flow the stack reported gone and drops
// the stack's own state for it.
func (d *Driver) teardown(handle uint64) {
	d.dispatcher.TeardownHandle(handle)
	switch {
	case d.nfq != nil:
		d.nfq.Forget(handle)
	case d.sim != nil:
		d.sim.Forget(handle)
	}
}

// applyConfigRules creates the named buckets and installs the rules from
// the configuration file.
func (d *Driver) applyConfigRules() error {
	for _, b := range d.config.FlowControl.Buckets {
		d.buckets[b.Name] = d.qos.Add(qos.Limits{
			InBytesPerSec:  b.InBytesPerSec,
			OutBytesPerSec: b.OutBytesPerSec,
		})
	}
	rs := config.RuleSet{Rules: d.config.Rules, BindRules: d.config.BindRules}
	rules, binds, err := rs.Compile(d.buckets)
	if err != nil {
		return err
	}
	if err := d.rules.Replace(rules); err != nil {
		return err
	}
	return d.rules.ReplaceBind(binds)
}

// Start runs every worker until ctx ends, Shutdown is called or the
// engine halts. It shuts the engine down before returning.
func (d *Driver) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New(errors.KindConflict, "driver already started")
	}
	d.started = true
	d.cancel = cancel
	d.mu.Unlock()

	if d.halted.Load() {
		d.Shutdown()
		return d.HaltErr()
	}

	if d.nfq != nil {
		if err := d.nfq.Install(); err != nil {
			d.Shutdown()
			return err
		}
		defer func() {
			if err := d.nfq.Uninstall(); err != nil {
				d.logger.Warn("failed to remove queue rules", "error", err)
			}
		}()
	}
	if err := d.rpc.Start(d.config.IO.Socket); err != nil {
		d.Shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.device.RunPump(gctx) })
	g.Go(func() error { return d.dispatcher.Injector().Run(gctx) })
	g.Go(func() error {
		d.flows.RunCleanup(gctx.Done())
		return nil
	})
	if d.collector != nil {
		g.Go(func() error { return d.collector.Run(gctx) })
	}
	if d.nfq != nil {
		g.Go(func() error { return d.nfq.Run(gctx) })
	}
	if d.conntrack != nil {
		g.Go(func() error {
			if err := d.conntrack.Run(gctx); err != nil {
				// Flows still end through the stack; losing the watcher only
				// delays teardown of silent flows.
				d.logger.Warn("conntrack watcher stopped", "error", err)
			}
			return nil
		})
	}
	if d.api != nil {
		g.Go(func() error { return d.api.ListenAndServe(gctx, d.config.API.Listen) })
	}

	d.logger.Info("engine started", "socket", d.config.IO.Socket)
	err := g.Wait()
	d.Shutdown()
	if herr := d.HaltErr(); herr != nil {
		return herr
	}
	return err
}

// Shutdown stops the workers, detaches the inspector so every flow fails
// open, then force-closes every context and drains every queue. It is
// safe to call more than once.
func (d *Driver) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if err := d.rpc.Close(); err != nil {
			d.logger.Warn("control socket close failed", "error", err)
		}
		d.device.Shutdown()
		d.dispatcher.Injector().Stop()
		d.flows.CloseAll()
		d.metrics.SetAttached(false)
		d.logger.Info("engine stopped")
	})
}

// Halt stops the engine after an invariant violation. Errors of any other
// kind are logged and the engine keeps running. It may be called with flow
// locks held, so the teardown runs on its own goroutine.
func (d *Driver) Halt(err error) {
	if !errors.Fatal(err) {
		d.logger.Error("halt requested for a recoverable error, continuing", "error", err)
		return
	}
	if !d.halted.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	d.haltErr = errors.Wrap(err, errors.KindInvariant, "engine halted")
	d.mu.Unlock()

	args := []any{"error", err}
	attrs := errors.GetAttributes(err)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, attrs[k])
	}
	d.logger.Error("invariant violation, halting engine", args...)
	d.metrics.SetHalted()
	go d.Shutdown()
}

// Halted reports whether Halt was called.
func (d *Driver) Halted() bool { return d.halted.Load() }

// HaltErr returns the error that halted the engine, if any.
func (d *Driver) HaltErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.haltErr
}

// Dispatcher returns the classification entry points.
func (d *Driver) Dispatcher() *callout.Dispatcher { return d.dispatcher }

// Device returns the inspector device.
func (d *Driver) Device() *ctlplane.Device { return d.device }

// Sim returns the simulated stack, or nil for other stack types.
func (d *Driver) Sim() *kernel.SimStack { return d.sim }

// Registry returns the Prometheus registry holding the engine metrics.
func (d *Driver) Registry() *prometheus.Registry { return d.registry }

// BucketID returns the id of a bucket named in the configuration.
func (d *Driver) BucketID(name string) (uint64, bool) {
	id, ok := d.buckets[name]
	return id, ok
}
