// Package ipc carries the session control API over gRPC on a local
// socket supplied by the platform layer.
package ipc

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"slipstream-vpn/internal/platform"
)

// Server wraps a gRPC server listening on the platform IPC transport.
type Server struct {
	grpc      *grpc.Server
	transport platform.IPCTransport
	listener  net.Listener
}

// NewServer creates a new IPC server with the given SessionService implementation.
func NewServer(svc SessionServiceServer, transport platform.IPCTransport, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	RegisterSessionServiceServer(gs, svc)
	return &Server{grpc: gs, transport: transport}
}

// Start opens the socket and begins serving gRPC requests.
// Blocks until Stop is called or an error occurs.
func (s *Server) Start() error {
	ln, err := s.transport.Listener()
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	s.listener = ln
	return s.grpc.Serve(ln)
}

// Stop gracefully stops the gRPC server and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// ForceStop immediately stops the gRPC server.
func (s *Server) ForceStop() {
	s.grpc.Stop()
}
