package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/config"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
	"github.com/strand-protocol/strand/mgmtapi/pkg/ops"
	"github.com/strand-protocol/strand/mgmtapi/pkg/server"
)

var (
	listenAddr    string
	metricsAddr   string
	batchBackend  string
	etcdEndpoints []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a management server",
	Long: `Run a management server that answers ping, batch id and the sample
double and echo operations. Metrics are exported in Prometheus text format on
the metrics address together with a /healthz endpoint.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Server.MetricsAddr = metricsAddr
		}
		if batchBackend != "" {
			cfg.Batch.Backend = batchBackend
		}
		if len(etcdEndpoints) > 0 {
			cfg.Batch.EtcdEndpoints = etcdEndpoints
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger, cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "address to accept management connections on")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for /metrics and /healthz (empty disables)")
	serveCmd.Flags().StringVar(&batchBackend, "batch-backend", "", "batch id manager: memory, etcd or none")
	serveCmd.Flags().StringSliceVar(&etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints for the etcd batch backend")
	rootCmd.AddCommand(serveCmd)
}

// runServe binds the configured addresses and serves until ctx is done.
func runServe(ctx context.Context, c *config.Config, log *zap.Logger, out io.Writer) error {
	l, err := net.Listen("tcp", c.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Server.ListenAddr, err)
	}
	var ml net.Listener
	if c.Server.MetricsAddr != "" {
		ml, err = net.Listen("tcp", c.Server.MetricsAddr)
		if err != nil {
			l.Close()
			return fmt.Errorf("listen %s: %w", c.Server.MetricsAddr, err)
		}
	}
	return serveListeners(ctx, c, log, out, l, ml)
}

// serveListeners serves the management protocol on l and, when ml is not
// nil, the metrics router on ml.
func serveListeners(ctx context.Context, c *config.Config, log *zap.Logger, out io.Writer, l, ml net.Listener) error {
	factory, closeBatch, err := batchFactory(c.Batch)
	if err != nil {
		l.Close()
		if ml != nil {
			ml.Close()
		}
		return err
	}
	if closeBatch != nil {
		defer closeBatch()
	}

	m := observability.NewMetrics()
	s := server.New(
		server.WithHandler(ops.NewRegistry()),
		server.WithBatchManagerFactory(factory),
		server.WithShutdownTimeout(c.Server.ShutdownTimeout),
		server.WithMaxConcurrentRequests(c.Server.MaxConcurrentRequests),
		server.WithLogger(log),
		server.WithMetrics(m),
	)

	var httpSrv *http.Server
	if ml != nil {
		httpSrv = &http.Server{Handler: newRouter(m, s), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.Serve(ml); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		metricsCfg := config.ServerConfig{MetricsAddr: ml.Addr().String()}
		fmt.Fprintf(out, "metrics on %s\n", metricsCfg.MetricsURL())
	}

	fmt.Fprintf(out, "serving management protocol on %s (batch backend %s)\n", l.Addr(), c.Batch.Backend)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	var serveErr error
	select {
	case <-ctx.Done():
		s.Stop()
		serveErr = <-served
	case serveErr = <-served:
		s.Stop()
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return serveErr
}

// batchFactory builds the per-channel manager factory for the backend. The
// returned close function releases shared resources.
func batchFactory(c config.BatchConfig) (server.BatchManagerFactory, func() error, error) {
	switch c.Backend {
	case config.BatchBackendNone:
		return nil, nil, nil
	case config.BatchBackendEtcd:
		prefix := c.EtcdPrefix
		if prefix == "" {
			prefix = batch.DefaultEtcdPrefix
		}
		m, err := batch.NewEtcdManager(c.EtcdEndpoints, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("etcd batch backend: %w", err)
		}
		// One etcd manager gives ids unique across every channel and server
		// sharing the prefix.
		return func() batch.Manager { return m }, m.Close, nil
	default:
		return func() batch.Manager { return batch.NewMemoryManager() }, nil, nil
	}
}

func newRouter(m *observability.Metrics, s *server.Server) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.PrometheusHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok\nchannels %d\n", s.ChannelCount())
	}).Methods(http.MethodGet)
	return r
}
