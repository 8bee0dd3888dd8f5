package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/deskline/internal/config"
	"github.com/postalsys/deskline/internal/service"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the agent system service",
		Long:  "Install, remove or inspect the agent as a systemd, launchd or Windows service.",
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceStatusCmd())
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var (
		configPath string
		name       string
		user       string
		group      string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service installation is not supported on this platform")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := checkServiceConfig(cfg); err != nil {
				return err
			}

			svcCfg := service.DefaultConfig(configPath)
			svcCfg.Name = name
			svcCfg.User = user
			svcCfg.Group = group

			if service.IsInstalled(name) {
				return fmt.Errorf("service %s is already installed", name)
			}
			if err := service.Install(svcCfg); err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			fmt.Printf("Service %s installed (config: %s)\n", name, svcCfg.ConfigPath)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&name, "name", "n", service.DefaultName, "Service name")
	cmd.Flags().StringVar(&user, "user", "", "User to run the service as (systemd only)")
	cmd.Flags().StringVar(&group, "group", "", "Group to run the service as (systemd only)")
	return cmd
}

// checkServiceConfig rejects configurations that cannot run unattended.
func checkServiceConfig(cfg *config.Config) error {
	if cfg.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required to run the agent")
	}
	switch cfg.Agent.Approval {
	case "auto", "deny":
		return nil
	}
	return fmt.Errorf("agent.approval %q needs an interactive terminal; use \"auto\" for a service", cfg.Agent.Approval)
}

func serviceUninstallCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Uninstall(name); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Printf("Service %s removed\n", name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", service.DefaultName, "Service name")
	return cmd
}

func serviceStatusCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", service.DefaultName, "Service name")
	return cmd
}
