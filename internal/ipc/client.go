package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"slipstream-vpn/internal/platform"
)

const (
	defaultDialTimeout = 5 * time.Second
)

// Client wraps a gRPC client connected to the daemon.
type Client struct {
	conn    *grpc.ClientConn
	Service SessionServiceClient
}

// Dial connects to the daemon over transport.
func Dial(transport platform.IPCTransport) (*Client, error) {
	return DialWithTimeout(transport, defaultDialTimeout)
}

// DialWithTimeout connects to the daemon with a custom timeout.
func DialWithTimeout(transport platform.IPCTransport, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///slipstream",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return transport.Dial(timeout)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial: %w", err)
	}

	return &Client{
		conn:    conn,
		Service: NewSessionServiceClient(conn),
	}, nil
}

// Close shuts down the gRPC client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
