package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/polisai/polis-mta/internal/resolver"
	"github.com/polisai/polis-mta/internal/system"
	"github.com/polisai/polis-mta/pkg/backoff"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/graph"
	"github.com/polisai/polis-mta/pkg/logging"
	"github.com/polisai/polis-mta/pkg/policy"
	"github.com/polisai/polis-mta/pkg/queue"
	"github.com/polisai/polis-mta/pkg/relay"
	"github.com/polisai/polis-mta/pkg/rules"
	"github.com/polisai/polis-mta/pkg/spamd"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

const (
	defaultQueueName = "default"
	shutdownTimeout  = 30 * time.Second
)

// Options configures New. Zero values select production behavior.
type Options struct {
	// ConfigPath is the --config flag; empty means the usual search.
	ConfigPath string
	// Tree skips locating and loading the configuration file.
	Tree *config.Tree
	// Logger replaces the logger built from process.log_level/log_format.
	Logger *slog.Logger
	System system.Calls
	// Attached keeps the process on its terminal even when process.daemon
	// is set.
	Attached bool
	Resolver resolver.Resolver
	// Registry replaces the built-in component types.
	Registry *graph.Registry
	// Telemetry adjusts the OpenTelemetry setup done by Run.
	Telemetry []telemetry.Option
}

// App is the application context. It is created once per process by New
// and torn down once by Run.
type App struct {
	tree     *config.Tree
	process  *config.Section
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	otel     telemetry.Config
	otelOpts []telemetry.Option
	system   system.Calls
	attached bool

	builder      *graph.Builder
	defaultQueue *queue.Memory
	defaultRelay domain.Relay
	ownsRelay    bool

	started chan struct{}
}

// New loads the configuration and prepares the component graph. Nothing
// listens or delivers until Run.
func New(ctx context.Context, opts Options) (*App, error) {
	tree := opts.Tree
	if tree == nil {
		path, err := config.Locate(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		if tree, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	process := tree.Lookup("process")

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.Config{
			Level:  process.String("log_level", "info"),
			Format: process.String("log_format", "json"),
		})
	}
	calls := opts.System
	if calls == nil {
		calls = system.OS{}
	}

	hostname := process.String("hostname", "")
	fqdn := hostname
	if hostname == "" {
		hostname, fqdn = rules.Hostnames()
	}

	res := opts.Resolver
	if res == nil {
		servers, err := process.Strings("dns_servers")
		if err != nil {
			return nil, err
		}
		res = resolver.New(resolver.Config{Servers: servers})
	}

	otelCfg, err := telemetry.ConfigFromSection(process)
	if err != nil {
		return nil, err
	}
	otelCfg.Hostname = fqdn
	otelCfg.ResourceTags = map[string]string{"log.level": process.String("log_level", "info")}

	metrics := telemetry.NewMetrics()
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(Deps{Hostname: fqdn, Resolver: res, Metrics: metrics, Logger: logger})
	}

	a := &App{
		tree:     tree,
		process:  process,
		logger:   logger,
		metrics:  metrics,
		otel:     otelCfg,
		otelOpts: opts.Telemetry,
		system:   calls,
		attached: opts.Attached,
		started:  make(chan struct{}),
	}

	a.builder = graph.NewBuilder(graph.Options{
		Tree:     tree,
		Registry: registry,
		Rules: rules.Options{
			Hostname: hostname,
			FQDN:     fqdn,
			Resolver: res,
			NewScanner: func(host string, port int) rules.Scanner {
				return spamd.New(host, port)
			},
			Logger: logger,
		},
		Policies: policy.Options{
			Hostname: fqdn,
			NewScanner: func(host string, port int) policy.Scanner {
				return spamd.New(host, port)
			},
			Logger: logger,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	// The default queue delivers through process.relay, or by MX.
	if relayName := process.String("relay", ""); relayName != "" {
		r, err := a.builder.GetOrBuildRelay(ctx, relayName)
		if err != nil {
			return nil, err
		}
		a.defaultRelay = r
	} else {
		r, err := relay.NewMX(nil, relay.MXOptions{EHLO: fqdn, Resolver: res, Logger: logger.With("relay", "default")})
		if err != nil {
			return nil, err
		}
		a.defaultRelay, a.ownsRelay = r, true
	}
	fn, err := backoff.Build(process.Section("retry"))
	if err != nil {
		return nil, err
	}
	a.defaultQueue = queue.NewMemory(queue.Options{
		Name:    defaultQueueName,
		Relay:   a.defaultRelay,
		Backoff: fn,
		Metrics: metrics,
		Logger:  logger,
	}, 0)
	a.builder.SetDefaultQueue(a.defaultQueue)
	return a, nil
}

// Builder exposes the component graph.
func (a *App) Builder() *graph.Builder { return a.builder }

// Logger is the process logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Started is closed once every edge listens and the process has settled
// into its final identity.
func (a *App) Started() <-chan struct{} { return a.started }

// Check validates the whole configuration without starting anything.
func (a *App) Check(ctx context.Context) error {
	return a.builder.Validate(ctx)
}

// Run starts the graph, settles the process, and blocks until ctx is
// cancelled. Teardown runs on every return path.
func (a *App) Run(ctx context.Context) (err error) {
	providers, err := telemetry.Setup(ctx, a.otel, a.otelOpts...)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	shutdownTracing := providers.Shutdown

	var metricsServer *http.Server
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.teardown(stopCtx, metricsServer, shutdownTracing))
	}()

	if addr := a.process.String("metrics_address", ""); addr != "" {
		if metricsServer, err = a.metrics.Serve(ctx, addr, a.logger); err != nil {
			return err
		}
	}

	if err := a.defaultQueue.Start(ctx); err != nil {
		return err
	}
	if err := a.builder.StartAllEdges(ctx); err != nil {
		return err
	}
	if err := a.dropPrivileges(); err != nil {
		return err
	}
	if err := a.detach(); err != nil {
		return err
	}

	if path := a.tree.Source(); path != "" {
		w, werr := config.Watch(path, a.logger, func(_ *config.Tree, err error) {
			if err != nil {
				a.logger.Warn("configuration file changed and no longer parses", "path", path, "error", err)
				return
			}
			a.logger.Warn("configuration file changed; restart to apply", "path", path)
		})
		if werr != nil {
			a.logger.Warn("configuration watcher unavailable", "error", werr)
		} else {
			defer w.Close()
		}
	}

	a.logger.Info("polis-mta running", "edges", len(a.builder.Edges()), "pid", os.Getpid())
	close(a.started)
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// dropPrivileges switches to process.user/process.group. Only root can;
// anyone else gets a warning and keeps running.
func (a *App) dropPrivileges() error {
	userName := a.process.String("user", "")
	groupName := a.process.String("group", "")
	if userName == "" && groupName == "" {
		return nil
	}
	if a.system.Getuid() != 0 {
		a.logger.Warn("only the superuser can drop privileges; keeping current identity", "user", userName, "group", groupName)
		return nil
	}
	if err := a.system.DropPrivileges(userName, groupName); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	a.logger.Info("dropped privileges", "user", userName, "group", groupName)
	return nil
}

// detach redirects the standard streams and daemonizes when process.daemon
// is set and the process is not attached.
func (a *App) detach() error {
	if !a.boolean("daemon") || a.attached {
		return nil
	}
	if err := a.system.RedirectStreams(
		a.process.String("stdin", os.DevNull),
		a.process.String("stdout", os.DevNull),
		a.process.String("stderr", os.DevNull),
	); err != nil {
		return fmt.Errorf("redirect streams: %w", err)
	}
	if err := a.system.Daemonize(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	return nil
}

func (a *App) boolean(key string) bool {
	v, err := a.process.Bool(key, false)
	if err != nil {
		a.logger.Warn("ignoring malformed process setting", "key", key, "error", err)
	}
	return v
}

func (a *App) teardown(ctx context.Context, metricsServer *http.Server, shutdownTracing func(context.Context) error) error {
	var errs []error
	if err := a.builder.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.defaultQueue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop default queue: %w", err))
	}
	if a.ownsRelay {
		if err := a.defaultRelay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close default relay: %w", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if err := shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}
