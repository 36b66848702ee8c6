package ipc

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type unixTransport struct{ path string }

func (u unixTransport) Listener() (net.Listener, error) { return net.Listen("unix", u.path) }

func (u unixTransport) Dial(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", u.path, timeout)
}

type stubService struct {
	connects atomic.Int32
}

func reply(m map[string]any) (*structpb.Struct, error) { return structpb.NewStruct(m) }

func (s *stubService) Connect(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.connects.Add(1)
	return reply(map[string]any{"state": "CONNECTING", "domain": in.GetFields()["domain"].GetStringValue()})
}

func (s *stubService) Disconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{"state": "DISCONNECTED"})
}

func (s *stubService) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{"state": "DISCONNECTED"})
}

func (s *stubService) ListProfiles(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{"profiles": []any{}})
}

func (s *stubService) ImportProfile(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.InvalidArgument, "bad link")
}

func (s *stubService) ExportProfile(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.NotFound, "no profile")
}

func (s *stubService) SelectProfile(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{})
}

func (s *stubService) RefreshSubscriptions(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return reply(map[string]any{"profiles": 0})
}

func (s *stubService) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	for _, st := range []string{"CONNECTING", "CONNECTED"} {
		m, _ := structpb.NewStruct(map[string]any{"type": "status", "state": st})
		if err := stream.Send(m); err != nil {
			return err
		}
	}
	<-stream.Context().Done()
	return nil
}

func startServer(t *testing.T, svc SessionServiceServer, opts ...grpc.ServerOption) unixTransport {
	t.Helper()
	tr := unixTransport{path: filepath.Join(t.TempDir(), "ctl.sock")}
	srv := NewServer(svc, tr, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		srv.ForceStop()
		<-errCh
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := tr.Dial(50 * time.Millisecond); err == nil {
			c.Close()
			return tr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never listened")
	return tr
}

func TestUnaryRoundTrip(t *testing.T) {
	svc := &stubService{}
	tr := startServer(t, svc)

	c, err := Dial(tr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, _ := structpb.NewStruct(map[string]any{"domain": "t.example.com"})
	out, err := c.Service.Connect(ctx, in)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := out.GetFields()["domain"].GetStringValue(); got != "t.example.com" {
		t.Errorf("domain echoed = %q", got)
	}
	if svc.connects.Load() != 1 {
		t.Errorf("connects = %d", svc.connects.Load())
	}

	_, err = c.Service.ImportProfile(ctx, &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("ImportProfile code = %s", status.Code(err))
	}
}

func TestWatchStream(t *testing.T) {
	tr := startServer(t, &stubService{})

	c, err := Dial(tr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.Service.Watch(ctx, &emptypb.Empty{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for _, want := range []string{"CONNECTING", "CONNECTED"} {
		m, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got := m.GetFields()["state"].GetStringValue(); got != want {
			t.Errorf("state = %q, want %q", got, want)
		}
	}
}

func TestConnTrackerIdle(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(30*time.Millisecond, func() { idle <- struct{}{} })
	tr := startServer(t, &stubService{},
		grpc.ChainUnaryInterceptor(ct.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(ct.StreamInterceptor()),
	)

	c, err := Dial(tr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Service.GetStatus(context.Background(), &emptypb.Empty{}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
	if n := ct.ActiveCount(); n != 0 {
		t.Errorf("active = %d", n)
	}
}

func TestConnTrackerArmAndCancel(t *testing.T) {
	var fired atomic.Bool
	ct := NewConnTracker(20*time.Millisecond, func() { fired.Store(true) })
	ct.Arm()
	ct.CancelGrace()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("idle fired after CancelGrace")
	}

	disabled := NewConnTracker(0, func() { t.Error("disabled tracker fired") })
	disabled.Arm()
	time.Sleep(20 * time.Millisecond)
}
