package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/tierfs/internal/bytesize"
	"github.com/marmos91/tierfs/internal/cli/output"
	"github.com/marmos91/tierfs/pkg/balloc"
	"github.com/marmos91/tierfs/pkg/tier"
)

var statsAddress string

// StatsResponse is the /stats payload served by a running daemon.
type StatsResponse struct {
	MountID string             `json:"mount_id"`
	Inodes  int                `json:"inodes"`
	Tiers   []balloc.TierStats `json:"tiers"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tier usage of a running daemon",
	Long: `Display block usage for every storage tier of a running TierFS daemon.

The daemon must have its HTTP endpoint enabled (metrics.address in the
configuration).

Examples:
  # Query the default endpoint
  tierfs stats

  # Query a daemon on another host
  tierfs stats --address storage-1:9090`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsAddress, "address", "localhost:9090", "daemon HTTP address")
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://" + statsAddress + "/stats")
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", statsAddress, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	fmt.Printf("Mount %s, %d inodes\n\n", stats.MountID, stats.Inodes)

	table := output.NewTableData("TIER", "SHARDS", "USED", "TOTAL", "USAGE")
	for _, ts := range stats.Tiers {
		table.AddRow(
			tier.Tier(ts.Tier).String(),
			strconv.Itoa(ts.Shards),
			bytesize.ByteSize(ts.UsedBlocks*tier.BlockSize).String(),
			bytesize.ByteSize(ts.TotalBlocks*tier.BlockSize).String(),
			usagePercent(ts.UsedBlocks, ts.TotalBlocks),
		)
	}
	return output.PrintTable(os.Stdout, table)
}

func usagePercent(used, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(used)/float64(total)*100)
}
