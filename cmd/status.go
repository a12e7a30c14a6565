package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tslb-project/clusterproxy/cluster"
	"github.com/tslb-project/clusterproxy/logger"
)

var (
	statusSettleTime time.Duration
	statusQuietPeers []string
	statusFullLog    bool
)

var statusCmd = &cobra.Command{
	Use:   "status [hub-address]",
	Short: "Connect briefly and print a snapshot of cluster state",
	Long: `Status connects to the hub, gives discovery a moment to settle, then
prints every known node and master along with the most recent log entries
buffered during the run.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&hubAddress, "hub", "", "yamb hub address (overrides the positional argument)")
	statusCmd.Flags().DurationVar(&statusSettleTime, "settle", 3*time.Second, "time to wait for discovery before printing")
	statusCmd.Flags().StringSliceVar(&statusQuietPeers, "quiet-peer", nil,
		"node/master identity (e.g. node:nodeA) to silence in the log output, repeatable")
	statusCmd.Flags().BoolVar(&statusFullLog, "full", false,
		"print every buffered log entry instead of just the most recent ones")
}

func runStatus(cmd *cobra.Command, args []string) {
	logger.Init("", false)
	logBuffer := logger.GetGlobalLogBuffer()
	logger.AddOutput(logger.NewLogBufferWriter(logBuffer))
	log := logger.ForComponent("cmd")

	for _, peer := range statusQuietPeers {
		logger.MuteComponent(peer)
	}

	cfg := cluster.DefaultConfig()
	if len(args) == 1 {
		cfg.HubAddress = args[0]
	}
	if hubAddress != "" {
		cfg.HubAddress = hubAddress
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		return
	}

	c := cluster.New()
	defer c.Stop()

	if err := c.Connect(cfg.HubAddress); err != nil {
		fmt.Printf("connect to %s failed: %v\n", cfg.HubAddress, err)
		return
	}
	log.Infof("connected to hub %s, waiting %s for discovery", cfg.HubAddress, statusSettleTime)
	c.SearchNow()
	time.Sleep(statusSettleTime)

	fmt.Printf("Nodes:\n")
	nodeIDs := c.ListNodeIdentities()
	if len(nodeIDs) == 0 {
		fmt.Printf("  (none discovered)\n")
	}
	for _, id := range nodeIDs {
		n := c.GetNode(id)
		if n == nil {
			continue
		}
		name, arch, version, failReason := n.PackageInfo()
		fmt.Printf("  %s addr=%s state=%s responding=%v pkg=%s/%s/%s fail=%q\n",
			id, n.Addr(), n.State(), n.IsResponding(), name, arch, version, failReason)
	}

	fmt.Printf("Masters:\n")
	masterIDs := c.ListMasterIdentities()
	if len(masterIDs) == 0 {
		fmt.Printf("  (none discovered)\n")
	}
	for _, id := range masterIDs {
		m := c.GetMaster(id)
		if m == nil {
			continue
		}
		fmt.Printf("  %s addr=%s state=%s responding=%v\n", id, m.Addr(), m.State(), m.IsResponding())
	}

	entries := logBuffer.GetRecent(20)
	header := "Recent log entries:"
	if statusFullLog {
		entries = logBuffer.GetAll()
		header = "All buffered log entries:"
	}
	fmt.Printf("\n%s\n", header)
	for _, entry := range entries {
		fmt.Printf("  %s\n", logger.FormatLogEntry(entry))
	}
}
