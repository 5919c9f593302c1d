// Package scanner diffs the connector state of a KMS device between scans
package scanner

import (
	"fmt"
	"sort"

	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
)

// Source is the part of a KMS device the scanner reads
type Source interface {
	Resources() (kms.Resources, error)
	Connector(h kms.ConnectorHandle) (kms.ConnectorInfo, error)
	Encoder(h kms.EncoderHandle) (kms.EncoderInfo, error)
}

// EventKind is the direction of a connector transition
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Disconnected {
		return "disconnected"
	}
	return "connected"
}

// Event is a connector transition. Crtc is only meaningful when HasCrtc is set.
type Event struct {
	Kind      EventKind
	Connector kms.ConnectorInfo
	Crtc      kms.CrtcHandle
	HasCrtc   bool
}

// Scanner keeps the connector snapshot of one device
type Scanner struct {
	mapper     CrtcMapper
	connectors map[kms.ConnectorHandle]kms.ConnectorInfo // connected at last scan
	crtcs      map[kms.ConnectorHandle]kms.CrtcHandle
}

// New creates a scanner with the given CRTC assignment policy, SimpleMapper when nil
func New(mapper CrtcMapper) *Scanner {
	if mapper == nil {
		mapper = SimpleMapper{}
	}
	return &Scanner{
		mapper:     mapper,
		connectors: make(map[kms.ConnectorHandle]kms.ConnectorInfo),
		crtcs:      make(map[kms.ConnectorHandle]kms.CrtcHandle),
	}
}

// Scan reads the device and returns the transitions since the previous scan.
// Disconnections come first so their CRTCs can be reassigned in the same scan.
// On error the snapshot is left untouched.
func (s *Scanner) Scan(src Source) ([]Event, error) {
	res, err := src.Resources()
	if err != nil {
		return nil, fmt.Errorf("failed to read resources: %w", err)
	}

	current := make(map[kms.ConnectorHandle]kms.ConnectorInfo, len(res.Connectors))
	order := make([]kms.ConnectorHandle, 0, len(res.Connectors))
	for _, h := range res.Connectors {
		info, err := src.Connector(h)
		if err != nil {
			return nil, fmt.Errorf("failed to read connector %d: %w", h, err)
		}
		if info.State == kms.StateUnknown {
			logger.Warn("Connector state unknown, treating as disconnected", "connector", info.Name())
		}
		current[h] = info
		order = append(order, h)
	}

	var events []Event

	// Removed connectors, in handle order, including ones that vanished from the resource list
	previous := make([]kms.ConnectorHandle, 0, len(s.connectors))
	for h := range s.connectors {
		previous = append(previous, h)
	}
	sort.Slice(previous, func(i, j int) bool { return previous[i] < previous[j] })

	for _, h := range previous {
		info, ok := current[h]
		if ok && info.State == kms.StateConnected {
			continue
		}
		old := s.connectors[h]
		ev := Event{Kind: Disconnected, Connector: old}
		if crtc, mapped := s.crtcs[h]; mapped {
			ev.Crtc, ev.HasCrtc = crtc, true
		}
		delete(s.connectors, h)
		delete(s.crtcs, h)
		events = append(events, ev)
	}

	taken := make(map[kms.CrtcHandle]bool, len(s.crtcs))
	for _, crtc := range s.crtcs {
		taken[crtc] = true
	}

	for _, h := range order {
		info := current[h]
		if info.State != kms.StateConnected {
			continue
		}
		_, known := s.connectors[h]
		_, mapped := s.crtcs[h]
		s.connectors[h] = info
		if known && mapped {
			continue
		}

		// Connectors left without a CRTC are retried on every scan and only
		// reported again once they get one
		ev := Event{Kind: Connected, Connector: info}
		if crtc, ok := s.mapper.Map(src, res, info, taken); ok {
			taken[crtc] = true
			s.crtcs[h] = crtc
			ev.Crtc, ev.HasCrtc = crtc, true
		} else if known {
			continue
		} else {
			logger.Debug("No free CRTC for connector", "connector", info.Name())
		}
		events = append(events, ev)
	}

	return events, nil
}

// Crtcs returns the CRTCs currently assigned to connected connectors
func (s *Scanner) Crtcs() []kms.CrtcHandle {
	out := make([]kms.CrtcHandle, 0, len(s.crtcs))
	for _, crtc := range s.crtcs {
		out = append(out, crtc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connected returns the connectors seen connected at the last scan
func (s *Scanner) Connected() []kms.ConnectorInfo {
	out := make([]kms.ConnectorInfo, 0, len(s.connectors))
	for _, info := range s.connectors {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
