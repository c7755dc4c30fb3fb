// CircuitNotion Device Agent
// Main entry point for the device agent service
package main

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

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/circuitnotion/device-agent/internal/config"
	"github.com/circuitnotion/device-agent/internal/logging"
	"github.com/circuitnotion/device-agent/internal/sources"
	"github.com/circuitnotion/device-agent/internal/status"
	"github.com/circuitnotion/device-agent/internal/storage"
	"github.com/circuitnotion/device-agent/pkg/agent"
	"github.com/circuitnotion/device-agent/pkg/registry"
)

var (
	configFile string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "circuitnotion-agent",
		Short: "CircuitNotion Device Agent",
		Long:  "Device agent for the CircuitNotion IoT platform. Streams sensor readings and applies device control commands.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent service",
		RunE:  runAgent,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "CircuitNotion Device Agent %s (library %s)\n", versioninfo.Short(), agent.Version)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  printConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/circuitnotion/agent.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	path := configFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cmdFlagChanged("config") {
		path = "" // defaults and environment only
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cmdFlagChanged(name string) bool {
	f := rootCmd.PersistentFlags().Lookup(name)
	return f != nil && f.Changed
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Redacted())
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel(), cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	var opts []agent.Option
	opts = append(opts, agent.WithLogger(logger))
	if cfg.Storage.Path != "" {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, agent.WithStateStore(db))
	}

	a := agent.New(opts...)
	agentCfg, err := cfg.Agent()
	if err != nil {
		return err
	}
	if err := a.Begin(agentCfg); err != nil {
		return err
	}
	if err := setup(a, cfg); err != nil {
		return err
	}

	a.OnConnection(func(connected bool) {
		if connected {
			logger.Info("Platform session established")
		} else {
			logger.Warn("Platform session lost")
		}
	})

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	diag := make(chan os.Signal, 1)
	signal.Notify(diag, syscall.SIGUSR1)
	defer signal.Stop(diag)

	logger.Info("Starting CircuitNotion Device Agent",
		zap.String("version", versioninfo.Short()),
		zap.String("microcontroller", cfg.Cloud.Microcontroller))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-diag:
				a.LogDiagnostics()
			}
		}
	})
	if cfg.Status.HTTPAddr != "" {
		srv := status.NewServer(cfg.Status.HTTPAddr, a, cfg.Status.HTTPLog)
		g.Go(func() error {
			return serveHTTP(gctx, srv, logger)
		})
	}
	if cfg.Status.GRPCAddr != "" {
		g.Go(func() error {
			return serveHealth(gctx, cfg.Status.GRPCAddr, a, logger)
		})
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// setup registers the devices and sensors of the configuration file
func setup(a *agent.Agent, cfg *config.Config) error {
	for _, d := range cfg.Devices {
		kind, err := d.DeviceKind()
		if err != nil {
			return err
		}
		if kind == registry.Analog {
			err = a.MapAnalogDevice(d.ID, d.Pin, d.Name)
		} else {
			err = a.MapDigitalDevice(d.ID, d.Pin, d.Name, d.Inverted)
		}
		if err != nil {
			return err
		}
	}

	for _, s := range cfg.Sensors {
		read, err := readFunc(s)
		if err != nil {
			return fmt.Errorf("sensor %s: %w", s.ID, err)
		}

		var opts []agent.SensorOption
		if s.ChangeThreshold > 0 {
			opts = append(opts, agent.WithChangeThreshold(s.ChangeThreshold))
		}
		if s.Disabled {
			opts = append(opts, agent.StartDisabled())
		}
		if err := a.AddSensor(registry.Kind(s.Kind), s.ID, s.Location, s.Interval, read, opts...); err != nil {
			return err
		}
	}
	return nil
}

func readFunc(s config.Sensor) (registry.ReadFunc, error) {
	switch s.Source {
	case "file":
		return sources.File(s.Path, s.Scale, s.Unit), nil
	case "w1":
		return sources.W1(s.Path, sources.DefaultW1Config()), nil
	case "w1:auto":
		path, err := sources.FindW1(s.Path)
		if err != nil {
			return nil, err
		}
		return sources.W1(path, sources.DefaultW1Config()), nil
	}
	return nil, fmt.Errorf("unknown source %q", s.Source)
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Status server listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Status server forced to shutdown", zap.Error(err))
	}
	return nil
}

func serveHealth(ctx context.Context, addr string, a *agent.Agent, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}

	hc := status.DefaultHealthConfig()
	hc.Logger = logger.Named("health")
	h := status.NewHealth(a, hc)

	s := grpc.NewServer()
	h.Register(s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Health server listening", zap.String("addr", addr))
		return s.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.GracefulStop()
		return nil
	})
	return g.Wait()
}
