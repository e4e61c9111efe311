package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/database"
	"github.com/filetrace/kernel-collector/platform"
	"github.com/filetrace/kernel-collector/session"
	"github.com/filetrace/kernel-collector/web"
)

var rootCmd = &cobra.Command{
	Use:   "kernel-collector",
	Short: "Kernel event capture engine for detonation sandboxes",
	Long: `kernel-collector maintains a single kernel tracing session and
demultiplexes its event stream into per-analysis trace captures, driven over
a loopback HTTP control surface.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", "127.0.0.1:8765", "control surface listen address (keep on loopback)")
	flags.String("data-dir", "data", "directory for the capture catalog")
	flags.String("bpf-object", "filetrace_kc.bpf.o", "compiled BPF object to load")
	flags.String("pin-dir", "/sys/fs/bpf", "BPF filesystem directory for session pins")
	flags.String("config", "", "optional config file")

	viper.BindPFlag("listen", flags.Lookup("listen"))
	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("bpf_object", flags.Lookup("bpf-object"))
	viper.BindPFlag("pin_dir", flags.Lookup("pin-dir"))

	viper.SetEnvPrefix("FILETRACE")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	catalog, err := database.NewCatalog(viper.GetString("data_dir"))
	if err != nil {
		return err
	}
	defer catalog.Close()

	manager, err := session.NewManager(session.Config{
		Platform: platform.Config{
			SessionName: "filetrace-kc",
			PinDir:      viper.GetString("pin_dir"),
			ObjectPath:  viper.GetString("bpf_object"),
		},
		Catalog: catalog,
	}, logger)
	if err != nil {
		return err
	}

	// Open the session eagerly so privilege and resource problems surface at
	// boot instead of on the first /start.
	if err := manager.Start(); err != nil {
		logger.Error("initial session start failed", zap.Error(err))
		return err
	}
	defer manager.Dispose()

	server := web.NewServer(viper.GetString("listen"), manager, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		logger.Error("control surface failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
