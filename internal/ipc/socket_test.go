package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeProvider struct {
	snap  Snapshot
	err   error
	calls atomic.Int32
}

func (p *fakeProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	p.calls.Add(1)
	return p.snap, p.err
}

func startServer(t *testing.T, provider StatusProvider) *SocketServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run", "kmsway.sock")
	server, err := NewSocketServer(path, provider)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func TestNewSocketServerValidation(t *testing.T) {
	_, err := NewSocketServer("", &fakeProvider{})
	assert.Error(t, err)

	_, err = NewSocketServer("/tmp/x.sock", nil)
	assert.Error(t, err)
}

func TestSocketServerStartStop(t *testing.T) {
	server := startServer(t, &fakeProvider{})

	info, err := os.Stat(server.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Starting twice is a no-op
	require.NoError(t, server.Start())

	server.Stop()
	_, err = os.Stat(server.SocketPath())
	assert.True(t, os.IsNotExist(err))

	server.Stop()
}

func TestClientStatus(t *testing.T) {
	provider := &fakeProvider{snap: SnapshotFromStatus(sampleStatus())}
	server := startServer(t, provider)

	client := NewClient(server.SocketPath(), time.Second)
	snap, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, provider.snap, snap)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.True(t, client.IsRunning())
}

func TestClientStatusProviderError(t *testing.T) {
	server := startServer(t, &fakeProvider{err: errors.New("reactor stopped")})

	_, err := NewClient(server.SocketPath(), time.Second).Status()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reactor stopped")
}

func TestClientNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	_, err := client.Status()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, client.IsRunning())
}

func TestUnknownMessageType(t *testing.T) {
	server := startServer(t, &fakeProvider{})

	conn, err := net.Dial("unix", server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue("switch"),
	}}
	require.NoError(t, writeMessage(conn, req))

	resp, err := readMessage(conn)
	require.NoError(t, err)
	assert.Contains(t, resp.GetFields()["error"].GetStringValue(), "unknown message type")

	// The connection stays usable for further queries
	require.NoError(t, writeMessage(conn, NewStatusQuery()))
	resp, err = readMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, TypeStatus, MessageType(resp))
}

func TestStatusFunc(t *testing.T) {
	var p StatusProvider = StatusFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{PrimaryGPU: "/dev/dri/renderD128"}, nil
	})
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/renderD128", snap.PrimaryGPU)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1)))
	_, err := readMessage(&buf)
	assert.Error(t, err)
}

func TestServeStopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmsway.sock")
	server, err := NewSocketServer(path, &fakeProvider{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
