package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage kmsway configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), formatConfig(config.Get(), config.GetConfigPath()))
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetConfigPath())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := config.GetConfigPath()
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		logger.Infof("Configuration written to: %s", path)
		return nil
	},
}

func formatConfig(c *config.Config, path string) string {
	lines := []string{
		ui.SubtleStyle.Render("Config file: " + path),
		"",
		ui.FormatSection("backend"),
		ui.FormatKeyValue("seat", c.Backend.Seat),
		ui.FormatKeyValue("primary_gpu", orAuto(c.Backend.PrimaryGPU)),
		ui.FormatKeyValue("disable_hardware_compositor", c.Backend.DisableHardwareCompositor),
		"",
		ui.FormatSection("render"),
		ui.FormatKeyValue("clear_color", c.Render.ClearColor),
		"",
		ui.FormatSection("hotplug"),
		ui.FormatKeyValue("poll_interval", c.Hotplug.PollInterval),
		"",
		ui.FormatSection("ipc"),
		ui.FormatKeyValue("socket_path", c.IPC.SocketPath),
		"",
		ui.FormatSection("logging"),
		ui.FormatKeyValue("level", orAuto(c.Logging.Level)),
	}
	if len(c.Quirks) > 0 {
		lines = append(lines, "", ui.FormatSection("quirks"))
		for _, q := range c.Quirks {
			lines = append(lines, ui.FormatKeyValue(q.Match, fmt.Sprintf("disable_overlay_planes=%v", q.DisableOverlayPlanes)))
		}
	}
	return strings.Join(lines, "\n")
}

func orAuto(s string) string {
	if s == "" {
		return "auto"
	}
	return s
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}
