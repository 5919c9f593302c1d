package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/bnema/kmsway/internal/backend"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message types carried in the "type" field of every request
const (
	TypeStatus = "status"
)

// OutputInfo is the wire form of one driven output
type OutputInfo struct {
	Name            string `json:"name"`
	Make            string `json:"make"`
	Model           string `json:"model"`
	Mode            string `json:"mode"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Crtc            uint32 `json:"crtc"`
	Composition     string `json:"composition"`
	Format          string `json:"format"`
	RenderNode      string `json:"render_node"`
	State           string `json:"state"`
	TimerArmed      bool   `json:"timer_armed"`
	RenderTranches  int    `json:"render_tranches"`
	ScanoutTranches int    `json:"scanout_tranches"`
	ScanoutFormats  int    `json:"scanout_formats"`
}

// DeviceInfo is the wire form of one opened GPU
type DeviceInfo struct {
	Node       string       `json:"node"`
	Path       string       `json:"path"`
	RenderNode string       `json:"render_node"`
	Primary    bool         `json:"primary"`
	Driver     string       `json:"driver"`
	Outputs    []OutputInfo `json:"outputs"`
}

// Snapshot is the answer to a status query
type Snapshot struct {
	PrimaryGPU   string       `json:"primary_gpu"`
	DmabufGlobal bool         `json:"dmabuf_global"`
	Devices      []DeviceInfo `json:"devices"`
}

// Outputs counts the outputs across every device
func (s Snapshot) Outputs() int {
	n := 0
	for _, d := range s.Devices {
		n += len(d.Outputs)
	}
	return n
}

// SnapshotFromStatus converts a backend snapshot to its wire form
func SnapshotFromStatus(st backend.Status) Snapshot {
	snap := Snapshot{
		PrimaryGPU:   st.PrimaryGPU.DevicePath(),
		DmabufGlobal: st.DmabufGlobal,
		Devices:      make([]DeviceInfo, 0, len(st.Devices)),
	}
	for _, d := range st.Devices {
		info := DeviceInfo{
			Node:       d.Node.String(),
			Path:       d.Path,
			RenderNode: d.RenderNode.DevicePath(),
			Primary:    d.Primary,
			Driver:     d.Driver,
			Outputs:    make([]OutputInfo, 0, len(d.Surfaces)),
		}
		for _, s := range d.Surfaces {
			info.Outputs = append(info.Outputs, OutputInfo{
				Name:            s.Output,
				Make:            s.Make,
				Model:           s.Model,
				Mode:            s.Mode,
				X:               s.Position.X,
				Y:               s.Position.Y,
				Crtc:            uint32(s.Crtc),
				Composition:     s.Composition.String(),
				Format:          s.Format.String(),
				RenderNode:      s.RenderNode.DevicePath(),
				State:           s.State.String(),
				TimerArmed:      s.TimerArmed,
				RenderTranches:  s.RenderTranches,
				ScanoutTranches: s.ScanoutTranches,
				ScanoutFormats:  s.ScanoutFormats,
			})
		}
		snap.Devices = append(snap.Devices, info)
	}
	return snap
}

// NewStatusQuery builds the request asking for a snapshot
func NewStatusQuery() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(TypeStatus),
	}}
}

// NewErrorMessage builds an error response
func NewErrorMessage(msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error": structpb.NewStringValue(msg),
	}}
}

// NewStatusResponse wraps a snapshot in a response message
func NewStatusResponse(snap Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	body, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":   structpb.NewStringValue(TypeStatus),
		"status": structpb.NewStructValue(body),
	}}, nil
}

// MessageType returns the "type" field, or an empty string
func MessageType(msg *structpb.Struct) string {
	return msg.GetFields()["type"].GetStringValue()
}

// GetStatusResponse extracts the snapshot from a response, surfacing server errors
func GetStatusResponse(msg *structpb.Struct) (Snapshot, error) {
	fields := msg.GetFields()
	if e, ok := fields["error"]; ok {
		return Snapshot{}, fmt.Errorf("server error: %s", e.GetStringValue())
	}
	if t := MessageType(msg); t != TypeStatus {
		return Snapshot{}, fmt.Errorf("unexpected response type: %q", t)
	}
	body := fields["status"].GetStructValue()
	if body == nil {
		return Snapshot{}, fmt.Errorf("status response has no body")
	}
	data, err := body.MarshalJSON()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}
