// Package worker is the composition root of a worker process. It owns the
// actor table, dispatcher, function registry, local object store and
// transport, and ties their lifecycle to Run.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/taskcore/internal/codec"
	"github.com/orizon-lang/taskcore/internal/config"
	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/invocation"
	"github.com/orizon-lang/taskcore/internal/registry"
	"github.com/orizon-lang/taskcore/internal/runtime"
	"github.com/orizon-lang/taskcore/internal/runtime/netstack"
	"github.com/orizon-lang/taskcore/internal/runtime/remote"
	"github.com/orizon-lang/taskcore/internal/task"
)

var ErrStopped = errors.New("worker stopped")

// Worker executes tasks delivered over its transport or submitted locally.
type Worker struct {
	log        *logrus.Logger
	registry   *registry.Registry
	resolver   registry.Resolver
	actors     *runtime.ActorTable
	dispatcher *runtime.Dispatcher
	store      *runtime.MemoryStore
	args       runtime.ArgResolver
	codec      codec.Codec
	server     *remote.Server
	configPath string
	capacity   map[string]float64

	mutex     sync.Mutex
	cfg       *config.WorkerConfig
	inUse     int
	limit     int
	slotsFree chan struct{} // Closed and replaced whenever a slot frees or the limit changes
	stopped   bool

	local sync.WaitGroup // Locally submitted tasks
}

type settings struct {
	transport  remote.Transport
	configPath string
	fatal      func(error)
}

// Option configures a Worker.
type Option func(*settings)

// WithTransport overrides the transport chosen by the configuration.
func WithTransport(t remote.Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithConfigPath enables hot reload of the file the configuration came from.
func WithConfigPath(path string) Option {
	return func(s *settings) { s.configPath = path }
}

// WithFatalHandler replaces the default reaction to invariant violations,
// which is to log at fatal level and exit.
func WithFatalHandler(fn func(error)) Option {
	return func(s *settings) { s.fatal = fn }
}

// New assembles a worker. reg holds the functions it can run; if
// cfg.FunctionDir is set, libraries there are loaded on demand.
func New(cfg *config.WorkerConfig, reg *registry.Registry, log *logrus.Logger, opts ...Option) (*Worker, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	lvl, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(lvl)

	w := &Worker{
		log:        log,
		registry:   reg,
		resolver:   reg,
		actors:     runtime.NewActorTable(),
		store:      runtime.NewMemoryStore(),
		codec:      c,
		configPath: s.configPath,
		cfg:        cfg.Clone(),
		limit:      cfg.MaxConcurrentTasks,
		slotsFree:  make(chan struct{}),
	}
	if cfg.FunctionDir != "" {
		w.resolver = registry.NewPluginResolver(reg, cfg.FunctionDir)
	}
	w.args = runtime.StoreArgResolver{Store: w.store, Codec: c}

	nodeLog := log.WithField("node", cfg.NodeName)
	dopts := []runtime.Option{runtime.WithCodec(c), runtime.WithLogger(nodeLog)}
	if s.fatal != nil {
		dopts = append(dopts, runtime.WithFatalHandler(s.fatal))
	}
	w.dispatcher = runtime.NewDispatcher(w.resolver, w.actors, dopts...)

	w.capacity = cfg.Resources
	if len(w.capacity) == 0 {
		w.capacity = probeResources()
	}

	trans := s.transport
	if trans == nil {
		if trans, err = newTransport(cfg, nodeLog); err != nil {
			return nil, err
		}
	}
	w.server = &remote.Server{Node: cfg.NodeName, Trans: trans, Codec: c, Exec: w, Log: nodeLog}

	return w, nil
}

func newTransport(cfg *config.WorkerConfig, log logrus.FieldLogger) (remote.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		return &remote.InMemoryTransport{}, nil
	case config.TransportHTTP3:
		serverTLS, err := loadServerTLS(cfg)
		if err != nil {
			return nil, err
		}
		clientTLS, err := netstack.ClientTLSConfig(cfg.TLSCAFile, cfg.TLSInsecure)
		if err != nil {
			return nil, err
		}
		return &netstack.HTTP3Transport{ServerTLS: serverTLS, ClientTLS: clientTLS, Log: log}, nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownTransport, cfg.Transport)
	}
}

func loadServerTLS(cfg *config.WorkerConfig) (*tls.Config, error) {
	if cfg.TLSCertFile != "" {
		return netstack.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	host, _, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil || host == "" {
		host = "localhost"
	}

	return netstack.GenerateSelfSignedTLS([]string{host}, 0)
}

// Config returns a copy of the current configuration.
func (w *Worker) Config() *config.WorkerConfig {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.cfg.Clone()
}

// ApplyConfig takes the reloadable fields of cfg: the log level and the
// concurrency limit. Other changes need a restart and are reported.
func (w *Worker) ApplyConfig(cfg *config.WorkerConfig) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != w.cfg.LogLevel {
		w.log.SetLevel(lvl)
		w.log.WithField("log_level", lvl.String()).Info("log level changed")
		w.cfg.LogLevel = cfg.LogLevel
	}
	if cfg.MaxConcurrentTasks > 0 && cfg.MaxConcurrentTasks != w.cfg.MaxConcurrentTasks {
		w.limit = cfg.MaxConcurrentTasks
		w.wakeLocked()
		w.log.WithField("max_concurrent_tasks", cfg.MaxConcurrentTasks).Info("concurrency limit changed")
		w.cfg.MaxConcurrentTasks = cfg.MaxConcurrentTasks
	}
	if cfg.ListenAddress != w.cfg.ListenAddress || cfg.Transport != w.cfg.Transport || cfg.Codec != w.cfg.Codec {
		w.log.Warn("transport or codec changes take effect after restart")
	}
}

// acquire takes one execution slot. Running tasks count against the current
// limit, so lowering it holds new tasks back until enough of them finish.
func (w *Worker) acquire(ctx context.Context) (func(), error) {
	for {
		w.mutex.Lock()
		if w.stopped {
			w.mutex.Unlock()
			return nil, ErrStopped
		}
		if w.inUse < w.limit {
			w.inUse++
			w.mutex.Unlock()
			return w.release, nil
		}
		wait := w.slotsFree
		w.mutex.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) release() {
	w.mutex.Lock()
	w.inUse--
	w.wakeLocked()
	w.mutex.Unlock()
}

func (w *Worker) wakeLocked() {
	close(w.slotsFree)
	w.slotsFree = make(chan struct{})
}

// Execute runs t: it waits for a concurrency slot, resolves the arguments
// from the local store, dispatches, and stores the results under the task's
// return ids. It implements remote.Executor.
func (w *Worker) Execute(ctx context.Context, t *task.Task) (runtime.Outcome, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return runtime.Outcome{}, err
	}
	defer release()

	spec := t.Spec()
	w.checkResources(spec)
	args, err := w.args.ResolveArgs(ctx, t)
	req := runtime.RequestFromTask(t, args)
	var upstream *taskerrors.TaskError
	switch {
	case errors.As(err, &upstream):
		// The task fails with the failure of the object it depends on.
		req.DependencyFailure = upstream
	case err != nil:
		w.log.WithError(err).WithField("task_id", spec.TaskID()).Warn("task dependencies unavailable")
		return runtime.Outcome{}, err
	}

	out, taskErr := w.dispatcher.ExecuteTask(ctx, req)
	if err := w.store.PutResults(ctx, out); err != nil {
		return out, err
	}

	return out, taskErr
}

// checkResources warns when a task asks for more than this node has.
// Placement is not this worker's decision, so the task still runs.
func (w *Worker) checkResources(spec *task.Spec) {
	req := spec.Resources()
	names := make([]string, 0, len(req))
	for name := range req {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if have, ok := w.capacity[name]; !ok || req[name] > have {
			w.log.WithFields(logrus.Fields{
				"task_id":   spec.TaskID(),
				"resource":  name,
				"requested": req[name],
				"capacity":  have,
			}).Warn("task requests more than node capacity")
		}
	}
}

// Submit runs inv on this worker in the background. Its results land in the
// local store under the returned ids. It implements invocation.Submitter.
func (w *Worker) Submit(ctx context.Context, inv *invocation.Invocation) ([]task.ObjectID, error) {
	t, err := inv.Task(w.server.Address())
	if err != nil {
		return nil, err
	}
	w.mutex.Lock()
	if w.stopped {
		w.mutex.Unlock()
		return nil, ErrStopped
	}
	w.local.Add(1)
	w.mutex.Unlock()

	correlation := runtime.CorrelationID(ctx)
	if correlation == "" {
		correlation = runtime.NewCorrelationID()
	}
	go func() {
		defer w.local.Done()
		ctx := runtime.WithCorrelationID(context.WithoutCancel(ctx), correlation)
		if _, err := w.Execute(ctx, t); err != nil {
			w.log.WithError(err).WithField("task_id", inv.TaskID).Debug("local task failed")
		}
	}()

	return t.Spec().ReturnIDs(), nil
}

// Wait blocks until every locally submitted task has finished or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.local.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store is the worker's local object store.
func (w *Worker) Store() *runtime.MemoryStore { return w.store }

// Actors is the worker's actor table.
func (w *Worker) Actors() *runtime.ActorTable { return w.actors }

// Registry is the worker's function registry.
func (w *Worker) Registry() *registry.Registry { return w.registry }

// Address is the transport address, empty before Run binds it.
func (w *Worker) Address() string { return w.server.Trans.Address() }

// Metrics returns the collectors served by the metrics endpoint.
func (w *Worker) Metrics() map[string]runtime.MetricFunc {
	return map[string]runtime.MetricFunc{
		"dispatch": w.dispatcher.Stats().Metrics,
		"actors":   w.actors.Metrics,
		"worker": func() map[string]float64 {
			w.mutex.Lock()
			inUse, limit := w.inUse, w.limit
			w.mutex.Unlock()
			return map[string]float64{
				"slots_in_use":  float64(inUse),
				"slots_limit":   float64(limit),
				"store_objects": float64(w.store.Len()),
			}
		},
	}
}

// Run serves tasks until ctx is done, then stops accepting work, waits for
// running tasks and drops every actor.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.Config()
	if err := w.server.Start(ctx, cfg.ListenAddress); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	log := w.log.WithFields(logrus.Fields{"node": cfg.NodeName, "addr": w.Address(), "transport": cfg.Transport})
	log.WithField("capacity", w.capacity).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddress != "" {
		_, stop, err := runtime.StartMetricsServer(cfg.MetricsAddress, w.Metrics(), w.log)
		if err != nil {
			_ = w.server.Stop()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return stop(sctx)
		})
	}

	if w.configPath != "" {
		watcher, err := config.NewWatcher(w.configPath, w.ApplyConfig, w.log)
		if err != nil {
			log.WithError(err).Warn("config hot reload disabled")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return w.shutdown(time.Duration(cfg.ShutdownTimeout))
	})

	err := g.Wait()
	log.Info("worker stopped")

	return err
}

func (w *Worker) shutdown(timeout time.Duration) error {
	w.mutex.Lock()
	w.stopped = true
	w.mutex.Unlock()

	err := w.server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if werr := w.Wait(ctx); werr != nil {
		w.log.WithError(werr).Warn("local tasks still running at shutdown")
	}
	w.actors.Reset()

	return err
}
