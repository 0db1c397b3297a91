// Package main provides the entry point for the mesh relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/meshrelay/meshrelay/internal/config"
	"github.com/meshrelay/meshrelay/internal/server"
)

var log = logging.Logger("meshrelay")

var rootCmd = &cobra.Command{
	Use:   "meshrelay",
	Short: "Mesh relay - websocket gateway for embedded mesh networks",
	Long: `meshrelay accepts websocket connections from uplink gateways of a wireless
mesh, tracks which gateway serves which node, routes messages from controllers
to the right gateway and streams relay activity to observers.`,
	SilenceUsage: true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the relay daemon",
	Long:  `Start the relay HTTP server with the uplink and observer websockets.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize relay configuration",
	Long:  `Write a default configuration file.`,
	RunE:  runInit,
}

var (
	configPath string
	listenAddr string
	debug      bool
	force      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	logging.SetAllLoggers(logging.LevelInfo)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging applies the configured levels; --debug wins over the file.
func setupLogging(cfg config.LogConfig) error {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
		return nil
	}
	if cfg.Level != "" {
		lvl, err := logging.LevelFromString(cfg.Level)
		if err != nil {
			return fmt.Errorf("%w: log.level: %w", config.ErrInvalidConfig, err)
		}
		logging.SetAllLoggers(lvl)
	}
	for name, level := range cfg.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return fmt.Errorf("%w: log.subsystems.%s: %w", config.ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override listen address if specified
	if listenAddr != "" {
		cfg.Relay.Listen = listenAddr
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting mesh relay daemon...")
	log.Infof("Uplinks connect to %s, observers to %s", cfg.Relay.UplinkPath, cfg.Relay.ObserverPath)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("Shut down")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	log.Infof("Initialized relay configuration at %s", path)
	return nil
}
