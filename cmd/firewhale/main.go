// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Matchlighter/Firewhale/internal/agent"
	"github.com/Matchlighter/Firewhale/internal/controller"
	"github.com/Matchlighter/Firewhale/internal/logging"
	"github.com/Matchlighter/Firewhale/internal/nft/nftlocal"
	"github.com/Matchlighter/Firewhale/internal/nft/nftsocket"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	logLevel string
	logJSON  bool
	logger   *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "firewhale",
	Short: "Firewhale - container firewall rules from container labels",
	Long: `Firewhale turns firewall intent expressed as labels on container
workloads into nftables rules, keeping them in sync as containers come
and go. In a Swarm cluster, service IPs propagate between hosts through
a shared Redis store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(func() {
		logger = logging.New(logging.Config{Level: logLevel, JSON: logJSON})
	})

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(nfagentCmd())
	rootCmd.AddCommand(fullCleanupCmd())
}

func tristateFlag(cmd *cobra.Command, name, usage string) *string {
	value := cmd.Flags().String(name, string(controller.Auto), usage)
	cmd.Flags().Lookup(name).NoOptDefVal = string(controller.On)
	return value
}

func runCmd() *cobra.Command {
	var (
		dockerSocket string
		agentSocket  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the firewhale daemon",
	}

	nfagent := tristateFlag(cmd, "nfagent", "Bridge firewall commands through the NFAgent (on, off; default: on in Swarm)")
	redis := tristateFlag(cmd, "redis", "Share service IPs through Redis (on, off, or a redis URL; default: on in Swarm)")
	cmd.Flags().StringVar(&dockerSocket, "docker-socket", "", "Docker socket path")
	cmd.Flags().StringVar(&agentSocket, "agent-socket", nftsocket.DefaultSocketPath, "Unix socket the NFAgent connects to")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := controller.Config{
			NFAgent:      controller.Tristate(*nfagent),
			DockerSocket: dockerSocket,
			AgentSocket:  agentSocket,
		}

		// --redis accepts a URL in place of on/off.
		switch *redis {
		case string(controller.Auto), string(controller.On), string(controller.Off):
			cfg.Redis = controller.Tristate(*redis)
		default:
			cfg.Redis = controller.On
			cfg.RedisURL = *redis
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return controller.New(cfg, logger).Run(ctx)
	}

	return cmd
}

func nfagentCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "nfagent",
		Short: "Run the NFAgent - a privileged helper executing firewall commands for a sandboxed daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := nftlocal.New(logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return agent.New(socketPath, transport, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", nftsocket.DefaultSocketPath, "Unix socket the daemon listens on")
	return cmd
}

func fullCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "full-cleanup",
		Short: "Remove all local firewhale rules, chains, maps and sets",
		Long: `Remove every firewhale chain, map, set and tagged rule from the local
firewall. Must be run without the NFAgent - e.g. with network_mode: host
and cap_add: NET_ADMIN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := nftlocal.New(logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			return controller.FullCleanup(cmd.Context(), transport, logger)
		},
	}
}
