package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/logging"
	"github.com/arzzra/mgcp_agent/pkg/metrics"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/agent"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call agent",
	Long: `Run the call agent until interrupted.

SIGHUP rereads the configuration file: calls on endpoints that are still
configured keep running, removed endpoints are released.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9427", "Prometheus listener address, empty disables it")
	serveCmd.Flags().String("pcap", "", "write MGCP traffic to this pcap file")
	serveCmd.Flags().Bool("debug", false, "log every MGCP datagram")
	_ = viper.BindPFlag("metrics_addr", serveCmd.Flags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("pcap", serveCmd.Flags().Lookup("pcap"))
	_ = viper.BindPFlag("debug", serveCmd.Flags().Lookup("debug"))
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	path := viper.GetString("config")
	cfg, dropped, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()
	log := logger.Component("mgcpd")
	if dropped != nil {
		log.WithError(dropped).Error("configuration errors, affected gateways dropped")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sb := host.NewSwitchboard(cfg.Extensions, host.WithSwitchboardLogger(logger.Component("switchboard")))
	opts := []agent.Option{
		agent.WithLogger(logger.Component("agent")),
		agent.WithObserver(metrics.New(reg)),
	}
	if pcapPath := viper.GetString("pcap"); pcapPath != "" {
		capture, err := transport.OpenPcap(pcapPath)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer capture.Close()
		opts = append(opts, agent.WithCapture(capture))
		log.WithField("file", pcapPath).Info("capturing MGCP traffic")
	}

	a, err := agent.New(cfg, sb, opts...)
	if err != nil {
		return err
	}
	sb.Register(a)
	a.SetDebug(viper.GetBool("debug"))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error { return sb.Run(ctx) })
	g.Go(func() error { return reloadOnHangup(ctx, log, path, a, sb) })
	if addr := viper.GetString("metrics_addr"); addr != "" {
		g.Go(func() error { return serveMetrics(ctx, log, addr, reg) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("mgcpd stopped")
	return err
}

// loadConfig читает файл конфигурации. Шлюз с ошибкой разбор выбрасывает,
// а работа продолжается с остальными: такие ошибки приходят в dropped.
// err означает, что конфигурацией пользоваться нельзя.
func loadConfig(path string) (cfg *config.Config, dropped, err error) {
	cfg, err = config.Load(path)
	if cfg == nil {
		if err == nil {
			err = errors.New("empty configuration")
		}
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, err, nil
}

// reloadOnHangup перечитывает конфигурацию по SIGHUP
func reloadOnHangup(ctx context.Context, log *logrus.Entry, path string, a *agent.Agent, sb *host.Switchboard) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		cfg, dropped, err := loadConfig(path)
		if err != nil {
			log.WithError(err).Error("reload failed, keeping the running configuration")
			continue
		}
		if dropped != nil {
			log.WithError(dropped).Error("configuration errors, affected gateways dropped")
		}
		if err := a.Reload(cfg); err != nil {
			return err
		}
		sb.SetRoutes(cfg.Extensions)
	}
}

func serveMetrics(ctx context.Context, log *logrus.Entry, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
