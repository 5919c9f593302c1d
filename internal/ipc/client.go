package ipc

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/bnema/kmsway/internal/logger"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotRunning is returned when nothing listens on the socket
var ErrNotRunning = errors.New("kmsway is not running")

// Client queries a running daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the socket at socketPath
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Status asks the daemon for its device and output topology
func (c *Client) Status() (Snapshot, error) {
	response, err := c.sendMessage(NewStatusQuery())
	if err != nil {
		return Snapshot{}, err
	}
	return GetStatusResponse(response)
}

// IsRunning reports whether a daemon answers on the socket
func (c *Client) IsRunning() bool {
	_, err := c.Status()
	return err == nil
}

func (c *Client) sendMessage(msg *structpb.Struct) (*structpb.Struct, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		if isNotListening(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("failed to connect to kmsway: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close IPC connection: %v", err)
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		logger.Warnf("Failed to set connection deadline: %v", err)
	}

	if err := writeMessage(conn, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	response, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return response, nil
}

func isNotListening(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
