package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xucaiyong/flocker/pkg/agent"
	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/client"
	"github.com/xucaiyong/flocker/pkg/control"
	"github.com/xucaiyong/flocker/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flocker",
	Short: "Flocker - Cluster volume manager with dataset convergence",
	Long: `Flocker manages persistent datasets across a cluster of storage nodes.

A control service holds the desired placement of every dataset; an agent on
each node continuously converges local storage toward that configuration,
handing datasets off between nodes with a copy-before-delete guarantee.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flocker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")
	rootCmd.PersistentFlags().String("control", "http://127.0.0.1:4523", "Control service address")

	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(stateCmd)
}

// Control service commands
var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Manage the control service",
}

var controlInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize and run the control service",
	Long: `Initialize the control service with this node as the first replica.

The control service starts in single-replica mode and serves the
configuration API immediately; additional replicas can join the Raft
group later for availability.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		fmt.Println("Initializing Flocker control service...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Raft Address: %s\n", bindAddr)
		fmt.Printf("  API Address: %s\n", apiAddr)
		fmt.Printf("  Data Directory: %s\n", dataDir)
		fmt.Println()

		ctrl, err := control.NewService(&control.Config{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create control service: %v", err)
		}

		if err := ctrl.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap control service: %v", err)
		}
		if err := ctrl.WaitForLeader(10 * time.Second); err != nil {
			return fmt.Errorf("failed waiting for leadership: %v", err)
		}
		fmt.Println("✓ Control service initialized")

		apiServer := api.NewServer(ctrl)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Println("✓ Configuration API started")

		fmt.Println()
		fmt.Println("Control service is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Stop(shutdownCtx)
		if err := ctrl.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var controlJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing control service as a replica",
	Long: `Start a control replica and ask the current leader to admit it.

The replica replays the configuration log from the leader and then serves
the configuration API alongside it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		leaderAddr, _ := cmd.Flags().GetString("leader")

		fmt.Println("Joining Flocker control service...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Raft Address: %s\n", bindAddr)
		fmt.Printf("  Leader API: %s\n", leaderAddr)
		fmt.Println()

		ctrl, err := control.NewService(&control.Config{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create control service: %v", err)
		}

		if err := ctrl.StartReplica(); err != nil {
			return fmt.Errorf("failed to start replica: %v", err)
		}

		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.NewControlClient(leaderAddr).JoinControl(joinCtx, nodeID, bindAddr); err != nil {
			ctrl.Shutdown()
			return fmt.Errorf("leader rejected join: %v", err)
		}
		fmt.Println("✓ Joined the control group")

		apiServer := api.NewServer(ctrl)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		fmt.Println("✓ Configuration API started")

		fmt.Println()
		fmt.Println("Control replica is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Stop(shutdownCtx)
		if err := ctrl.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	controlCmd.AddCommand(controlInitCmd)
	controlCmd.AddCommand(controlJoinCmd)

	controlInitCmd.Flags().String("node-id", "control-1", "Unique control replica ID")
	controlInitCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	controlInitCmd.Flags().String("api-addr", "127.0.0.1:4523", "Address for the configuration API")
	controlInitCmd.Flags().String("data-dir", "/var/lib/flocker/control", "Data directory for configuration state")

	controlJoinCmd.Flags().String("node-id", "", "Unique control replica ID")
	controlJoinCmd.Flags().String("bind-addr", "127.0.0.1:7947", "Address for Raft communication")
	controlJoinCmd.Flags().String("api-addr", "127.0.0.1:4524", "Address for the configuration API")
	controlJoinCmd.Flags().String("data-dir", "/var/lib/flocker/control", "Data directory for configuration state")
	controlJoinCmd.Flags().String("leader", "http://127.0.0.1:4523", "API address of the current leader")
	controlJoinCmd.MarkFlagRequired("node-id")
}

// Agent commands
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the node agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the convergence agent on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			return err
		}

		ag, err := agent.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create agent: %v", err)
		}

		ctx := context.Background()
		if err := ag.Start(ctx); err != nil {
			return fmt.Errorf("failed to start agent: %v", err)
		}

		fmt.Printf("Agent running on node %s. Press Ctrl+C to stop.\n", cfg.NodeID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down, draining in-flight actions...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ag.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().String("config", "/etc/flocker/agent.yml", "Path to the agent configuration file")
	agentRunCmd.MarkFlagRequired("config")
}
