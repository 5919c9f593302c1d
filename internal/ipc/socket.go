package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bnema/kmsway/internal/logger"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxMessageSize bounds a single frame on the socket
const MaxMessageSize = 1 << 20

// DefaultQueryTimeout bounds how long the server waits for a snapshot
const DefaultQueryTimeout = 2 * time.Second

// StatusProvider answers status queries. Implementations hop onto the reactor
// goroutine to take the snapshot.
type StatusProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// StatusFunc adapts a function into a StatusProvider
type StatusFunc func(ctx context.Context) (Snapshot, error)

func (f StatusFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

// SocketServer serves status queries on a Unix socket
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	provider   StatusProvider
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool
}

// NewSocketServer creates a server listening on socketPath once started
func NewSocketServer(socketPath string, provider StatusProvider) (*SocketServer, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path must not be empty")
	}
	if provider == nil {
		return nil, fmt.Errorf("status provider must not be nil")
	}
	return &SocketServer{
		socketPath: socketPath,
		provider:   provider,
	}, nil
}

// SocketPath returns the path the server listens on
func (s *SocketServer) SocketPath() string {
	return s.socketPath
}

// Start starts the socket server
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}

	// User only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx, listener)

	logger.Infof("IPC socket server started at %s", s.socketPath)
	return nil
}

// Serve starts the server and stops it when ctx is done
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops the socket server
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logger.Debugf("Failed to close IPC listener: %v", err)
		}
	}

	s.wg.Wait()

	if err := os.RemoveAll(s.socketPath); err != nil {
		logger.Warnf("Failed to remove socket %s: %v", s.socketPath, err)
	}
	logger.Info("IPC socket server stopped")
}

func (s *SocketServer) acceptConnections(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	logger.Debug("New IPC connection established")

	// Unblock reads when the server stops
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	for {
		msg, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("Connection closed or read error: %v", err)
			}
			return
		}

		response := s.handleMessage(ctx, msg)
		if err := writeMessage(conn, response); err != nil {
			logger.Errorf("Failed to send response: %v", err)
			return
		}
	}
}

func (s *SocketServer) handleMessage(ctx context.Context, msg *structpb.Struct) *structpb.Struct {
	switch t := MessageType(msg); t {
	case TypeStatus:
		qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()

		snap, err := s.provider.Snapshot(qctx)
		if err != nil {
			return NewErrorMessage(err.Error())
		}
		response, err := NewStatusResponse(snap)
		if err != nil {
			return NewErrorMessage(err.Error())
		}
		return response

	default:
		return NewErrorMessage(fmt.Sprintf("unknown message type: %q", t))
	}
}

// readMessage reads one length-prefixed message: 4 bytes big endian, then the
// protobuf encoding
func readMessage(r io.Reader) (*structpb.Struct, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func writeMessage(w io.Writer, msg *structpb.Struct) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}

	length := uint32(len(data)) //nolint:gosec // bounded by MaxMessageSize
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	return nil
}
