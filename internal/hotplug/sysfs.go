package hotplug

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
)

// Connector is one connector attribute directory of a card
type Connector struct {
	Name   string // HDMI-A-1
	Status string // connected, disconnected, unknown
}

// Card describes a KMS capable GPU as found under /sys/class/drm
type Card struct {
	Name       string // card0
	Path       string // /dev/dri/card0
	Node       kms.Node
	Driver     string
	BootVGA    bool
	RenderNode string
	Connectors []Connector
}

func (c Card) signature() string {
	parts := make([]string, 0, len(c.Connectors))
	for _, conn := range c.Connectors {
		parts = append(parts, conn.Name+"="+conn.Status)
	}
	return strings.Join(parts, ",")
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
		return false
	}
	digits := strings.TrimPrefix(name, "card")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ListCards enumerates the DRM cards below sysRoot, sorted by name
func ListCards(sysRoot, devDir string) ([]Card, error) {
	classDir := filepath.Join(sysRoot, "class", "drm")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", classDir, err)
	}

	var cards []Card
	for _, e := range entries {
		if !isCardName(e.Name()) {
			continue
		}
		card, err := readCard(classDir, devDir, e.Name(), entries)
		if err != nil {
			logger.Warnf("Skipping %s: %v", e.Name(), err)
			continue
		}
		cards = append(cards, card)
	}

	sort.Slice(cards, func(i, j int) bool {
		return cards[i].Node.Minor < cards[j].Node.Minor
	})
	return cards, nil
}

func readCard(classDir, devDir, name string, siblings []os.DirEntry) (Card, error) {
	base := filepath.Join(classDir, name)

	dev, err := os.ReadFile(filepath.Join(base, "dev"))
	if err != nil {
		return Card{}, err
	}
	node, err := kms.ParseNode(string(dev))
	if err != nil {
		return Card{}, err
	}

	card := Card{
		Name: name,
		Path: filepath.Join(devDir, name),
		Node: node,
	}

	if target, err := os.Readlink(filepath.Join(base, "device", "driver")); err == nil {
		card.Driver = filepath.Base(target)
	}
	if vga, err := os.ReadFile(filepath.Join(base, "device", "boot_vga")); err == nil {
		card.BootVGA = strings.TrimSpace(string(vga)) == "1"
	}
	card.RenderNode = findRenderNode(filepath.Join(base, "device", "drm"), devDir)

	prefix := name + "-"
	for _, e := range siblings {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		status := "unknown"
		if b, err := os.ReadFile(filepath.Join(classDir, e.Name(), "status")); err == nil {
			status = strings.TrimSpace(string(b))
		}
		card.Connectors = append(card.Connectors, Connector{
			Name:   strings.TrimPrefix(e.Name(), prefix),
			Status: status,
		})
	}
	return card, nil
}

func findRenderNode(drmDir, devDir string) string {
	entries, err := os.ReadDir(drmDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "renderD") {
			return filepath.Join(devDir, e.Name())
		}
	}
	return ""
}

// onSeat reports whether devices without a seat tag belong to seat.
// sysfs carries no seat assignment, so untagged devices are on the default seat.
func onSeat(seat string) bool {
	return seat == "" || seat == "seat0"
}

// PrimaryGPU returns the boot VGA device of the seat, or "" when none is flagged
func PrimaryGPU(sysRoot, devDir, seat string) (string, error) {
	if !onSeat(seat) {
		return "", nil
	}
	cards, err := ListCards(sysRoot, devDir)
	if err != nil {
		return "", err
	}
	for _, c := range cards {
		if c.BootVGA {
			return c.Path, nil
		}
	}
	return "", nil
}

// AllGPUs returns the device path of every card on the seat
func AllGPUs(sysRoot, devDir, seat string) ([]string, error) {
	if !onSeat(seat) {
		return nil, nil
	}
	cards, err := ListCards(sysRoot, devDir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(cards))
	for _, c := range cards {
		paths = append(paths, c.Path)
	}
	return paths, nil
}
