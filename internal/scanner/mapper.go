package scanner

import (
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
)

// CrtcMapper picks the CRTC that drives a newly connected connector
type CrtcMapper interface {
	Map(src Source, res kms.Resources, conn kms.ConnectorInfo, taken map[kms.CrtcHandle]bool) (kms.CrtcHandle, bool)
}

// SimpleMapper keeps the CRTC the firmware already bound to the connector when it is
// free, otherwise takes the first free CRTC reachable through one of its encoders
type SimpleMapper struct{}

func (SimpleMapper) Map(src Source, res kms.Resources, conn kms.ConnectorInfo, taken map[kms.CrtcHandle]bool) (kms.CrtcHandle, bool) {
	if conn.CurrentEncoder != 0 {
		if enc, err := src.Encoder(conn.CurrentEncoder); err == nil && enc.Crtc != 0 && !taken[enc.Crtc] {
			return enc.Crtc, true
		}
	}

	for _, h := range conn.Encoders {
		enc, err := src.Encoder(h)
		if err != nil {
			logger.Debug("Skipping unreadable encoder", "encoder", h, "error", err)
			continue
		}
		for _, crtc := range res.FilterCrtcs(enc.PossibleCrtcs) {
			if !taken[crtc] {
				return crtc, true
			}
		}
	}
	return 0, false
}
