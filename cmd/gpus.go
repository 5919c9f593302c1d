package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/hotplug"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/ui"
)

// gpuInfo is the JSON form of one card
type gpuInfo struct {
	Path       string   `json:"path"`
	Node       string   `json:"node"`
	RenderNode string   `json:"render_node,omitempty"`
	Driver     string   `json:"driver,omitempty"`
	BootVGA    bool     `json:"boot_vga"`
	Primary    bool     `json:"primary"`
	Connected  []string `json:"connected"`
}

var gpusCmd = &cobra.Command{
	Use:   "gpus",
	Short: "List the GPUs of the seat",
	Long:  `List DRM cards from sysfs with their render nodes and connectors, marking the GPU kmsway would composite on.`,
	RunE:  runGPUs,
}

func init() {
	gpusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runGPUs(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	monitor := hotplug.NewMonitor(cfg.Hotplug.PollInterval)

	cards, err := monitor.Cards()
	if err != nil {
		return fmt.Errorf("failed to list GPUs: %w", err)
	}

	primary := cfg.Backend.PrimaryGPU
	if primary == "" {
		if primary, err = monitor.PrimaryGPU(cfg.Backend.Seat); err != nil {
			logger.Warnf("Failed to query primary GPU: %v", err)
		}
	}
	if primary == "" && len(cards) > 0 {
		primary = cards[0].Path
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(gpuInfos(cards, primary))
	}
	_, err = fmt.Fprintln(out, ui.GPUTable(cards, primary))
	return err
}

func gpuInfos(cards []hotplug.Card, primary string) []gpuInfo {
	infos := make([]gpuInfo, 0, len(cards))
	for _, c := range cards {
		info := gpuInfo{
			Path:       c.Path,
			Node:       c.Node.String(),
			RenderNode: c.RenderNode,
			Driver:     c.Driver,
			BootVGA:    c.BootVGA,
			Primary:    c.Path == primary,
			Connected:  []string{},
		}
		for _, conn := range c.Connectors {
			if conn.Status == "connected" {
				info.Connected = append(info.Connected, conn.Name)
			}
		}
		infos = append(infos, info)
	}
	return infos
}
