package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/sandlock/internal/cluster_service"
	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/config"
	logservice "github.com/AnishMulay/sandlock/internal/log_service"
	locallog "github.com/AnishMulay/sandlock/internal/log_service/localdisc"
	zaplog "github.com/AnishMulay/sandlock/internal/log_service/zap"
	"github.com/AnishMulay/sandlock/internal/metrics"
	ns "github.com/AnishMulay/sandlock/internal/namespace_service"
	lsnode "github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/server"
	simpleserver "github.com/AnishMulay/sandlock/internal/server/simple"
	store "github.com/AnishMulay/sandlock/internal/store_service"
	"github.com/AnishMulay/sandlock/internal/store_service/etcd"
)

const (
	ShutdownTimeout = 15 * time.Second
	startupTimeout  = 30 * time.Second
)

type Options struct {
	Config *config.Config

	// Store replaces the etcd store built from Config.Etcd.
	Store store.StoreService
	// Logger replaces the backend selected by Config.Log.
	Logger logservice.LogService
}

// CellServer is one server process of a cell: the namespace engine behind
// the gRPC front end, registered in the cell's membership listing.
type CellServer struct {
	cfg *config.Config
	ls  logservice.LogService

	store     store.StoreService
	namespace *ns.NamespaceService
	comm      *grpccomm.GRPCCommunicator
	cluster   *cluster_service.StoreClusterService
	server    server.Server

	registry   *prometheus.Registry
	metricsSrv *http.Server
	metricsLis net.Listener

	closers []func() error
}

// Build wires a cell server from opts. Nothing listens until Start.
func Build(opts Options) (*CellServer, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	s := &CellServer{cfg: cfg}

	// 1. Logging
	ls := opts.Logger
	if ls == nil {
		var closeLog func() error
		var err error
		ls, closeLog, err = newLogService(cfg)
		if err != nil {
			return nil, err
		}
		if closeLog != nil {
			s.closers = append(s.closers, closeLog)
		}
	}
	s.ls = ls

	// 2. Store
	s.store = opts.Store
	if s.store == nil {
		st, err := etcd.NewEtcdStoreService(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Namespace:   cfg.Etcd.Namespace,
		}, ls)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.store = st
	}

	// 3. Metrics
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(s.registry)

	// 4. Namespace engine
	s.namespace = ns.NewNamespaceService(s.store, cfg.Cell, ls, m)
	s.namespace.SetDefaultLockDelay(lsnode.LockDelay(cfg.LockDelay.Default))

	// 5. Membership and transport
	s.cluster = cluster_service.NewStoreClusterService(s.store, cfg.Cell, ls)
	s.comm = grpccomm.NewGRPCCommunicator(cfg.ListenAddr, ls)

	// 6. Server
	s.server = simpleserver.NewSimpleServer(s.comm, s.namespace, s.cluster, ls, m,
		simpleserver.WithSessionGrace(cfg.SessionGrace))

	return s, nil
}

func newLogService(cfg *config.Config) (logservice.LogService, func() error, error) {
	switch cfg.Log.Backend {
	case "localdisc":
		ls, err := locallog.NewLocalDiscLogService(cfg.Log.Dir, cfg.NodeID, cfg.Log.Level)
		if err != nil {
			return nil, nil, err
		}
		return ls, ls.Close, nil
	case "zap", "":
		ls := zaplog.NewZapLogService(cfg.NodeID, cfg.Log.Level, cfg.Log.Console, os.Stderr)
		// Sync on a terminal reports EINVAL; nothing is buffered there.
		return ls, func() error { _ = ls.Sync(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown log backend %q", cfg.Log.Backend)
	}
}

// Address is the bound gRPC address once Start returned.
func (s *CellServer) Address() string { return s.comm.Address() }

// MetricsAddress is the bound metrics address, empty when disabled.
func (s *CellServer) MetricsAddress() string {
	if s.metricsLis == nil {
		return ""
	}
	return s.metricsLis.Addr().String()
}

// Start bootstraps the cell's default nodes, starts serving and registers
// this server in the cell's membership listing.
func (s *CellServer) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := s.namespace.CreateDefaultNodes(ctx); err != nil {
		return fmt.Errorf("failed to create default nodes: %w", err)
	}

	if err := s.server.Start(); err != nil {
		return err
	}

	if err := s.cluster.Start(ctx, cluster_service.ClusterNode{
		ID:      s.cfg.NodeID,
		Address: s.comm.Address(),
	}); err != nil {
		return multierr.Append(fmt.Errorf("failed to join cell %s: %w", s.cfg.Cell, err), s.server.Stop())
	}

	if s.cfg.Metrics.Enabled {
		lis, err := net.Listen("tcp", s.cfg.Metrics.Addr)
		if err != nil {
			err = fmt.Errorf("failed to listen for metrics on %s: %w", s.cfg.Metrics.Addr, err)
			return multierr.Combine(err, s.cluster.Stop(ctx), s.server.Stop())
		}
		s.metricsLis = lis
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	s.ls.Info(logservice.LogEvent{
		Message: "Cell server started",
		Metadata: map[string]any{
			"node_id": s.cfg.NodeID,
			"cell":    s.cfg.Cell,
			"address": s.comm.Address(),
			"metrics": s.MetricsAddress(),
		},
	})
	return nil
}

// Run starts the server and blocks until ctx is done or the metrics
// endpoint fails, then shuts down.
func (s *CellServer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return multierr.Append(err, s.close())
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.metricsSrv != nil {
		g.Go(func() error {
			if err := s.metricsSrv.Serve(s.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop leaves the membership listing, closes every session and releases
// the store. Errors from each step are combined.
func (s *CellServer) Stop(ctx context.Context) error {
	s.ls.Info(logservice.LogEvent{
		Message:  "Cell server stopping",
		Metadata: map[string]any{"node_id": s.cfg.NodeID, "cell": s.cfg.Cell},
	})

	var err error
	if s.metricsSrv != nil {
		err = multierr.Append(err, s.metricsSrv.Shutdown(ctx))
		// Serve may never have run; the listener is then still open.
		if cerr := s.metricsLis.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	err = multierr.Append(err, s.cluster.Stop(ctx))
	err = multierr.Append(err, s.server.Stop())
	err = multierr.Append(err, s.namespace.Close(ctx))
	err = multierr.Append(err, s.close())
	return err
}

func (s *CellServer) close() error {
	var err error
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// RunUntilSignal runs s until SIGINT or SIGTERM.
func RunUntilSignal(s *CellServer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}
