package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tslb-project/clusterproxy/cluster"
	"github.com/tslb-project/clusterproxy/logger"
)

var hubAddress string

var connectCmd = &cobra.Command{
	Use:   "connect [hub-address]",
	Short: "Connect to a yamb overlay hub and track cluster state",
	Long: `Connect binds to the yamb overlay hub, discovers build nodes and
build masters as they announce themselves, and logs connection events
and changes to the node and master lists until interrupted.

Examples:
  # Connect using the default hub address
  clusterproxy connect

  # Connect to a specific hub
  clusterproxy connect 10.0.0.5:7899`,
	Args: cobra.MaximumNArgs(1),
	Run:  runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVar(&hubAddress, "hub", "", "yamb hub address (overrides the positional argument)")
}

func runConnect(cmd *cobra.Command, args []string) {
	logger.Init("", true)
	logger.AddOutput(logger.NewLogBufferWriter(logger.GetGlobalLogBuffer()))
	log := logger.ForComponent("cmd")

	cfg := cluster.DefaultConfig()
	if len(args) == 1 {
		cfg.HubAddress = args[0]
	}
	if hubAddress != "" {
		cfg.HubAddress = hubAddress
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	c := cluster.New()
	defer c.Stop()

	c.SubscribeConnectionState(uuid.New(), cluster.ConnectionSubscriber{
		OnEstablished: func() { log.Infof("connected to hub %s", cfg.HubAddress) },
		OnLost:        func() { log.Infof("lost connection to hub %s", cfg.HubAddress) },
		OnFailed:      func(msg string) { log.Errorf("connect to hub %s failed: %s", cfg.HubAddress, msg) },
	})
	c.SubscribeNodeList(uuid.New(), cluster.ListSubscriber{
		OnChanged: func() { log.Infof("nodes: %v", c.ListNodeIdentities()) },
	})
	c.SubscribeMasterList(uuid.New(), cluster.ListSubscriber{
		OnChanged: func() { log.Infof("masters: %v", c.ListMasterIdentities()) },
	})

	if err := c.Connect(cfg.HubAddress); err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Infof("shutting down")
}
