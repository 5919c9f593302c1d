package ipc

import (
	"image"
	"testing"

	"github.com/bnema/kmsway/internal/backend"
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func sampleStatus() backend.Status {
	return backend.Status{
		PrimaryGPU:   kms.Node{Major: kms.DRMMajor, Minor: 128},
		DmabufGlobal: true,
		Devices: []backend.DeviceStatus{{
			Node:       kms.Node{Major: kms.DRMMajor, Minor: 0},
			Path:       "/dev/dri/card0",
			RenderNode: kms.Node{Major: kms.DRMMajor, Minor: 128},
			Primary:    true,
			Driver:     "amdgpu",
			Surfaces: []backend.SurfaceStatus{{
				Crtc:            40,
				Output:          "DP-1",
				Make:            "Dell",
				Model:           "U2720Q",
				Mode:            "1920x1080@60.000Hz",
				Position:        image.Pt(0, 0),
				Composition:     backend.CompositionHardware,
				Format:          format.XRGB8888,
				RenderNode:      kms.Node{Major: kms.DRMMajor, Minor: 128},
				State:           backend.RepaintSubmitted,
				RenderTranches:  1,
				ScanoutTranches: 2,
				ScanoutFormats:  4,
			}, {
				Crtc:        41,
				Output:      "HDMI-A-2",
				Position:    image.Pt(1920, 0),
				Composition: backend.CompositionDirect,
				Format:      format.ARGB8888,
				RenderNode:  kms.Node{Major: kms.DRMMajor, Minor: 128},
				State:       backend.RepaintPendingTimer,
				TimerArmed:  true,
			}},
		}},
	}
}

func TestSnapshotFromStatus(t *testing.T) {
	snap := SnapshotFromStatus(sampleStatus())

	assert.Equal(t, "/dev/dri/renderD128", snap.PrimaryGPU)
	assert.True(t, snap.DmabufGlobal)
	require.Len(t, snap.Devices, 1)

	dev := snap.Devices[0]
	assert.Equal(t, "226:0", dev.Node)
	assert.Equal(t, "/dev/dri/renderD128", dev.RenderNode)
	assert.True(t, dev.Primary)
	assert.Equal(t, "amdgpu", dev.Driver)
	require.Len(t, dev.Outputs, 2)

	dp := dev.Outputs[0]
	assert.Equal(t, "DP-1", dp.Name)
	assert.Equal(t, uint32(40), dp.Crtc)
	assert.Equal(t, "hardware", dp.Composition)
	assert.Equal(t, "XR24", dp.Format)
	assert.Equal(t, "submitted", dp.State)
	assert.Equal(t, 2, dp.ScanoutTranches)

	hdmi := dev.Outputs[1]
	assert.Equal(t, 1920, hdmi.X)
	assert.Equal(t, "direct", hdmi.Composition)
	assert.Equal(t, "pending-timer", hdmi.State)
	assert.True(t, hdmi.TimerArmed)

	assert.Equal(t, 2, snap.Outputs())
}

func TestStatusResponseRoundTrip(t *testing.T) {
	snap := SnapshotFromStatus(sampleStatus())

	msg, err := NewStatusResponse(snap)
	require.NoError(t, err)
	assert.Equal(t, TypeStatus, MessageType(msg))

	got, err := GetStatusResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestGetStatusResponseErrors(t *testing.T) {
	tests := []struct {
		name    string
		msg     *structpb.Struct
		wantErr string
	}{
		{
			name:    "server error",
			msg:     NewErrorMessage("backend busy"),
			wantErr: "server error: backend busy",
		},
		{
			name:    "wrong type",
			msg:     NewStatusQuery(),
			wantErr: "status response has no body",
		},
		{
			name: "unknown type",
			msg: &structpb.Struct{Fields: map[string]*structpb.Value{
				"type": structpb.NewStringValue("switch"),
			}},
			wantErr: "unexpected response type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GetStatusResponse(tt.msg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatusQuery(t *testing.T) {
	assert.Equal(t, TypeStatus, MessageType(NewStatusQuery()))
	assert.Equal(t, "", MessageType(NewErrorMessage("x")))
	assert.Equal(t, "", MessageType(nil))
}
