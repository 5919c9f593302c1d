package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/bnema/kmsway/internal/hotplug"
	"github.com/bnema/kmsway/internal/ipc"
)

func newTable(highlight func(row, col int) (lipgloss.Style, bool)) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorSubtle)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(ColorPrimary).
					Bold(true).
					Padding(0, 1)
			}
			if style, ok := highlight(row, col); ok {
				return style.Padding(0, 1)
			}
			return lipgloss.NewStyle().
				Foreground(ColorText).
				Padding(0, 1)
		})
}

// OutputRows flattens a snapshot into one row per output
func OutputRows(snap ipc.Snapshot) [][]string {
	var rows [][]string
	for _, dev := range snap.Devices {
		for _, out := range dev.Outputs {
			desc := strings.TrimSpace(out.Make + " " + out.Model)
			if desc == "" {
				desc = "-"
			}
			timer := ""
			if out.TimerArmed {
				timer = " (timer)"
			}
			rows = append(rows, []string{
				out.Name,
				desc,
				out.Mode,
				fmt.Sprintf("%d,%d", out.X, out.Y),
				dev.Path,
				out.RenderNode,
				out.Composition,
				out.Format,
				fmt.Sprintf("%d/%d", out.RenderTranches, out.ScanoutTranches),
				out.State + timer,
			})
		}
	}
	return rows
}

// OutputsTable renders the outputs of a daemon snapshot
func OutputsTable(snap ipc.Snapshot) string {
	var b strings.Builder

	rows := OutputRows(snap)
	if len(rows) == 0 {
		b.WriteString(WarningStyle.Render(IconWarning + " No outputs are driven"))
	} else {
		t := newTable(func(row, col int) (lipgloss.Style, bool) {
			switch col {
			case 0:
				return lipgloss.NewStyle().Foreground(ColorInfo).Bold(true), true
			case 6:
				if rows[row][col] == "hardware" {
					return lipgloss.NewStyle().Foreground(ColorSuccess), true
				}
			}
			return lipgloss.Style{}, false
		}).
			Headers("OUTPUT", "MONITOR", "MODE", "POSITION", "DEVICE", "RENDER", "COMPOSITION", "FORMAT", "TRANCHES", "STATE").
			Rows(rows...)
		b.WriteString(t.String())
	}

	b.WriteString("\n\n")
	primary := snap.PrimaryGPU
	if primary == "" {
		primary = "none"
	}
	b.WriteString(SubtleStyle.Render(fmt.Sprintf("Primary GPU: %s  Devices: %d  Outputs: %d",
		primary, len(snap.Devices), snap.Outputs())))
	if !snap.DmabufGlobal {
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render(IconWarning + " No dma-buf global, clients fall back to shm"))
	}
	return b.String()
}

// GPURows flattens sysfs cards into one row per GPU
func GPURows(cards []hotplug.Card, primaryPath string) [][]string {
	rows := make([][]string, 0, len(cards))
	for _, c := range cards {
		mark := ""
		if c.Path == primaryPath {
			mark = IconPrimary
		}
		connected := 0
		for _, conn := range c.Connectors {
			if conn.Status == "connected" {
				connected++
			}
		}
		render := c.RenderNode
		if render == "" {
			render = "-"
		}
		driver := c.Driver
		if driver == "" {
			driver = "-"
		}
		rows = append(rows, []string{
			mark,
			c.Path,
			c.Node.String(),
			render,
			driver,
			fmt.Sprintf("%d/%d", connected, len(c.Connectors)),
		})
	}
	return rows
}

// GPUTable renders the GPUs found in sysfs
func GPUTable(cards []hotplug.Card, primaryPath string) string {
	if len(cards) == 0 {
		return WarningStyle.Render(IconWarning + " No DRM cards found")
	}
	t := newTable(func(row, col int) (lipgloss.Style, bool) {
		if col == 0 {
			return lipgloss.NewStyle().Foreground(ColorWarning).Bold(true), true
		}
		return lipgloss.Style{}, false
	}).
		Headers("", "DEVICE", "NODE", "RENDER", "DRIVER", "CONNECTED").
		Rows(GPURows(cards, primaryPath)...)
	return t.String()
}
