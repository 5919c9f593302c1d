// Package edid extracts monitor identity from EDID blobs
package edid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/kmsway/internal/kms"
)

const blockSize = 128

var header = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

var (
	ErrNoEDID    = errors.New("no EDID available")
	ErrBadHeader = errors.New("invalid EDID header")
	ErrChecksum  = errors.New("EDID checksum mismatch")
)

// vendors maps common PNP ids to the names monitors advertise
var vendors = map[string]string{
	"ACR": "Acer Technologies",
	"AUO": "AU Optronics",
	"BNQ": "BenQ Corporation",
	"BOE": "BOE",
	"CMN": "Chimei Innolux Corporation",
	"DEL": "Dell Inc.",
	"GSM": "LG Electronics",
	"HWP": "HP Inc.",
	"LEN": "Lenovo Group Limited",
	"LGD": "LG Display",
	"PHL": "Philips Consumer Electronics Company",
	"SAM": "Samsung Electric Company",
	"SDC": "Samsung Display Corp.",
	"SHP": "Sharp Corporation",
	"VSC": "ViewSonic Corporation",
}

// Info is the identity part of an EDID
type Info struct {
	Vendor      string // three letter PNP id
	Make        string
	Model       string
	Serial      string
	ProductCode uint16
}

// Parse decodes the base block of an EDID
func Parse(b []byte) (Info, error) {
	if len(b) == 0 {
		return Info{}, ErrNoEDID
	}
	if len(b) < blockSize {
		return Info{}, fmt.Errorf("EDID too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[:8], header) {
		return Info{}, ErrBadHeader
	}
	var sum byte
	for _, v := range b[:blockSize] {
		sum += v
	}
	if sum != 0 {
		return Info{}, ErrChecksum
	}

	id := binary.BigEndian.Uint16(b[8:10])
	vendor := string([]byte{
		byte('A' - 1 + (id>>10)&0x1f),
		byte('A' - 1 + (id>>5)&0x1f),
		byte('A' - 1 + id&0x1f),
	})

	info := Info{
		Vendor:      vendor,
		Make:        vendor,
		ProductCode: binary.LittleEndian.Uint16(b[10:12]),
	}
	if name, ok := vendors[vendor]; ok {
		info.Make = name
	}
	if serial := binary.LittleEndian.Uint32(b[12:16]); serial != 0 {
		info.Serial = fmt.Sprintf("0x%08x", serial)
	}

	// Four 18 byte descriptors; display descriptors start with a zero pixel clock
	for off := 54; off+18 <= 126; off += 18 {
		d := b[off : off+18]
		if d[0] != 0 || d[1] != 0 {
			continue
		}
		switch d[3] {
		case 0xfc:
			info.Model = descriptorText(d[5:])
		case 0xff:
			info.Serial = descriptorText(d[5:])
		}
	}
	if info.Model == "" {
		info.Model = fmt.Sprintf("0x%04x", info.ProductCode)
	}
	return info, nil
}

func descriptorText(b []byte) string {
	if i := bytes.IndexByte(b, 0x0a); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// Reader fetches the EDID of a connector
type Reader interface {
	Read(node kms.Node, connector string) (Info, error)
}

// SysfsReader reads the edid attribute exported for every connector
type SysfsReader struct {
	Root string
}

// NewSysfsReader reads from /sys
func NewSysfsReader() *SysfsReader {
	return &SysfsReader{Root: "/sys"}
}

func (r *SysfsReader) Read(node kms.Node, connector string) (Info, error) {
	path := filepath.Join(r.Root, "class", "drm", fmt.Sprintf("card%d-%s", node.Minor, connector), "edid")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNoEDID
		}
		return Info{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}
