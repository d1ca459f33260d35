package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"noteflow/server/internal/config"
	"noteflow/server/internal/logging"
	"noteflow/server/internal/relay"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "noteflow",
		Short:         "Nostr relay timeline and publish engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "yaml config path (optional)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before NOTEFLOW_ variables are read")
	rootCmd.PersistentFlags().StringSlice("relay", nil, "relay url, repeatable; overrides relays.default")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTimelineCommand())
	rootCmd.AddCommand(newPublishCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig 按 .env → yaml → 环境变量 → 命令行的顺序得到最终配置，并初始化日志
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if relays, _ := cmd.Flags().GetStringSlice("relay"); len(relays) > 0 {
		cfg.Relays.Default = relays
	}

	logging.Init(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func newPool(cfg *config.Config) *relay.Pool {
	return relay.NewPool(relay.ConnConfig{
		HandshakeTimeout: cfg.Relays.HandshakeTimeout,
		PingInterval:     cfg.Relays.PingInterval,
		EventBuffer:      cfg.Relays.EventBuffer,
		Logger:           logging.Component("relay"),
	})
}
