package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/formvault/formvault/internal/logging"
	"github.com/formvault/formvault/internal/retention"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "retention-runner",
		Short: "Drives the FormVault retention trigger endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	viper.SetEnvPrefix("FORMVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("retention.cron_secret", "")

	cmd.PersistentFlags().String("url", retention.DefaultTriggerURL, "Retention trigger endpoint URL")
	cmd.PersistentFlags().Int("limit", retention.DefaultLimit, "Maximum deletions per trigger")
	cmd.PersistentFlags().Int("interval-ms", int(retention.DefaultInterval/time.Millisecond), "Milliseconds between loop iterations")
	cmd.PersistentFlags().Bool("loop", false, "Run continuously instead of a single pass")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command) error {
	flagSet := cmd.PersistentFlags()

	triggerURL, err := flagSet.GetString("url")
	if err != nil {
		return err
	}
	limit, err := flagSet.GetInt("limit")
	if err != nil {
		return err
	}
	intervalMS, err := flagSet.GetInt("interval-ms")
	if err != nil {
		return err
	}
	loop, err := flagSet.GetBool("loop")
	if err != nil {
		return err
	}
	logLevel, err := flagSet.GetString("log-level")
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	runner, err := retention.NewRunner(retention.RunnerConfig{
		URL:      triggerURL,
		Secret:   viper.GetString("retention.cron_secret"),
		Limit:    limit,
		Interval: time.Duration(intervalMS) * time.Millisecond,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if loop {
		runner.Loop(signalCtx)
		return nil
	}

	_, err = runner.RunOnce(signalCtx)
	return err
}
