// Package main provides the CLI entry point for deskline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/deskline/internal/agent"
	"github.com/postalsys/deskline/internal/config"
	"github.com/postalsys/deskline/internal/service"
	"github.com/postalsys/deskline/internal/sysinfo"
	"github.com/postalsys/deskline/internal/wizard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deskline",
		Short: "deskline - Peer-to-peer remote access",
		Long: `deskline connects a viewer to a remote agent over a WebRTC peer
connection negotiated through a signaling relay.

The agent side serves input injection, a remote shell and file
transfers to one approved viewer at a time. The viewer side opens
a session to an agent by id and drives those channels from the
local terminal.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(comboCmd())

	return rootCmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Walk through relay, ICE, viewer and agent settings and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Load the configuration file, apply defaults and print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func agentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the remote agent",
		Long:  "Register with the signaling relay and serve approved viewer sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if !service.IsInteractive() {
				return service.RunAsService(service.DefaultName, a)
			}

			fmt.Printf("Starting deskline agent...\n")
			fmt.Printf("Agent ID: %s\n", a.ID())
			if cfg.Metrics.Enabled {
				fmt.Printf("Health endpoint: http://%s/health\n", cfg.Metrics.Address)
			}

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-a.Done():
				fmt.Println("Relay loop ended, shutting down...")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}
			if err := a.Err(); err != nil {
				return fmt.Errorf("relay connection failed: %w", err)
			}

			fmt.Println("Agent stopped.")
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "./deskline.yaml", "Path to configuration file")
}
