package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/xenops/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xenops",
		Short:         "xenops - minimal Xen control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	defaults := config.DefaultConfig()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("backend", defaults.Backend, "hypervisor backend (xen|simulated)")
	cmd.PersistentFlags().String("run-dir", defaults.RunDir, "runtime directory")
	cmd.PersistentFlags().String("xenstore-socket", defaults.XenstoreSocket, "xenstored socket path")
	cmd.PersistentFlags().String("log-level", defaults.Log.Level, "log level")

	_ = viper.BindPFlag("backend", cmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("xenstore_socket", cmd.PersistentFlags().Lookup("xenstore-socket"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("XENOPS")
	viper.AutomaticEnv()

	cmd.AddCommand(
		listCmd,
		inspectCmd,
		pauseCmd,
		unpauseCmd,
		shutdownCmd,
		createCmd,
		bootCmd,
		nameCmd,
		serveCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()
	setDefaults(conf)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// setDefaults seeds viper so keys without a flag, env or file value keep
// their DefaultConfig value through Unmarshal.
func setDefaults(c *config.Config) {
	viper.SetDefault("backend", c.Backend)
	viper.SetDefault("run_dir", c.RunDir)
	viper.SetDefault("xenstore_socket", c.XenstoreSocket)
	viper.SetDefault("xenbus_device", c.XenbusDevice)
	viper.SetDefault("store_wait_seconds", c.StoreWaitSeconds)
	viper.SetDefault("lock_timeout_seconds", c.LockTimeoutSeconds)
	viper.SetDefault("listen", c.Listen)
	viper.SetDefault("boot_load_address", c.BootLoadAddress)
	viper.SetDefault("boot_frames", c.BootFrames)
	viper.SetDefault("shutdown_retries", c.ShutdownRetries)
	viper.SetDefault("log.level", c.Log.Level)
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
