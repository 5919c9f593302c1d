package backend

import (
	"strings"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/kms"
)

// ModePolicy picks the mode an output is driven with
type ModePolicy func(modes []kms.Mode) (kms.Mode, bool)

// PreferredMode picks the mode flagged preferred, else the first one listed
func PreferredMode(modes []kms.Mode) (kms.Mode, bool) {
	if len(modes) == 0 {
		return kms.Mode{}, false
	}
	for _, m := range modes {
		if m.Preferred {
			return m, true
		}
	}
	return modes[0], true
}

// matchQuirks returns the quirks whose match string is found, case-insensitively,
// in the driver name or description
func matchQuirks(quirks []config.Quirk, driver kms.Driver) []config.Quirk {
	name := strings.ToLower(driver.Name)
	desc := strings.ToLower(driver.Description)

	var out []config.Quirk
	for _, q := range quirks {
		m := strings.ToLower(strings.TrimSpace(q.Match))
		if m == "" {
			continue
		}
		if strings.Contains(name, m) || strings.Contains(desc, m) {
			out = append(out, q)
		}
	}
	return out
}

func disableOverlayPlanes(quirks []config.Quirk, driver kms.Driver) bool {
	for _, q := range matchQuirks(quirks, driver) {
		if q.DisableOverlayPlanes {
			return true
		}
	}
	return false
}
