package kms

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DRMMajor is the character device major of every DRM node
const DRMMajor = 226

// SysfsRoot is where device attributes are looked up, overridable in tests
var SysfsRoot = "/sys"

// NodeType distinguishes the primary (KMS) node from the render node of a GPU
type NodeType int

const (
	NodePrimary NodeType = iota
	NodeRender
)

func (t NodeType) String() string {
	if t == NodeRender {
		return "render"
	}
	return "primary"
}

// Node identifies a DRM device file by its dev_t
type Node struct {
	Major uint32
	Minor uint32
}

// NodeFromPath stats a device file and returns its node
func NodeFromPath(path string) (Node, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Node{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return Node{}, fmt.Errorf("%s is not a character device", path)
	}
	return NodeFromDevT(uint64(st.Rdev)), nil
}

// NodeFromDevT splits a dev_t
func NodeFromDevT(dev uint64) Node {
	return Node{Major: unix.Major(dev), Minor: unix.Minor(dev)}
}

// DevT returns the node as a dev_t, the identity used in dma-buf feedback
func (n Node) DevT() uint64 {
	return unix.Mkdev(n.Major, n.Minor)
}

// Type reports whether this is a render node (minor 128 and above)
func (n Node) Type() NodeType {
	if n.Minor >= 128 {
		return NodeRender
	}
	return NodePrimary
}

func (n Node) String() string {
	return fmt.Sprintf("%d:%d", n.Major, n.Minor)
}

// DevicePath returns the /dev/dri path of the node
func (n Node) DevicePath() string {
	if n.Type() == NodeRender {
		return fmt.Sprintf("/dev/dri/renderD%d", n.Minor)
	}
	return fmt.Sprintf("/dev/dri/card%d", n.Minor)
}

// WithType resolves the sibling node of the given type belonging to the same GPU
func (n Node) WithType(t NodeType) (Node, error) {
	if n.Type() == t {
		return n, nil
	}

	prefix := "card"
	if t == NodeRender {
		prefix = "renderD"
	}

	dir := filepath.Join(SysfsRoot, "dev", "char", n.String(), "device", "drm")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Node{}, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		// card0-HDMI-A-1 style entries are connectors, not nodes
		if strings.Contains(name, "-") {
			continue
		}
		node, err := readNodeDev(filepath.Join(dir, name, "dev"))
		if err != nil {
			return Node{}, err
		}
		return node, nil
	}

	return Node{}, fmt.Errorf("no %s node for %s", t, n)
}

// ParseNode parses the major:minor form found in sysfs dev attributes
func ParseNode(s string) (Node, error) {
	var n Node
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &n.Major, &n.Minor); err != nil {
		return Node{}, fmt.Errorf("malformed device number %q: %w", s, err)
	}
	return n, nil
}

func readNodeDev(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseNode(string(data))
}
