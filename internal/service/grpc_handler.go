// Package service implements the daemon's control API on top of the
// session orchestrator and keeps the log replay ring.
package service

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/ipc"
	"slipstream-vpn/internal/traffic"
)

// SessionController is the part of the session the API drives.
type SessionController interface {
	Connect(req core.SessionRequest)
	Disconnect()
	InterfaceName() string
}

// Config groups the collaborators of a Service.
type Config struct {
	Session       SessionController
	Status        *core.StatusPublisher
	Traffic       *traffic.Accountant
	ConfigManager *core.ConfigManager
	Subscriptions *core.SubscriptionManager
	Logs          *LogStreamer
	Bus           *core.EventBus
	Version       string
}

// Service implements ipc.SessionServiceServer.
type Service struct {
	session   SessionController
	status    *core.StatusPublisher
	traffic   *traffic.Accountant
	cfg       *core.ConfigManager
	subs      *core.SubscriptionManager
	logs      *LogStreamer
	bus       *core.EventBus
	version   string
	startTime time.Time
}

var _ ipc.SessionServiceServer = (*Service)(nil)

// New creates the control API service.
func New(c Config) *Service {
	return &Service{
		session:   c.Session,
		status:    c.Status,
		traffic:   c.Traffic,
		cfg:       c.ConfigManager,
		subs:      c.Subscriptions,
		logs:      c.Logs,
		bus:       c.Bus,
		version:   c.Version,
		startTime: time.Now(),
	}
}

func errNotFound(kind, id string) error {
	return status.Errorf(codes.NotFound, "%s %q not found", kind, id)
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func (s *Service) statusStruct() (*structpb.Struct, error) {
	m := statusEventMap(s.status.Last())
	delete(m, "type")
	if s.traffic != nil {
		t := trafficMap(s.traffic.Latest())
		delete(t, "type")
		m["traffic"] = t
	}
	if name := s.session.InterfaceName(); name != "" {
		m["interface"] = name
	}
	m["version"] = s.version
	m["uptimeSeconds"] = int64(time.Since(s.startTime).Seconds())
	return toStruct(m)
}

// ─── Session ────────────────────────────────────────────────────────

// Connect starts a session for the named profile, an inline request, or
// the selected profile, in that order of preference.
func (s *Service) Connect(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.resolveRequest(in)
	if err != nil {
		return nil, err
	}
	s.session.Connect(req)
	return s.statusStruct()
}

func (s *Service) resolveRequest(in *structpb.Struct) (core.SessionRequest, error) {
	if id := stringField(in, "profile"); id != "" {
		p, ok := s.cfg.Profile(id)
		if !ok {
			return core.SessionRequest{}, errNotFound("profile", id)
		}
		return p.Request(), nil
	}
	if req, ok := requestFromStruct(in); ok {
		return req.WithDefaults(), nil
	}
	if p, ok := s.cfg.SelectedProfile(); ok {
		return p.Request(), nil
	}
	core.Log.Warnf("Service", "No profile configured, connecting with defaults")
	return core.SessionRequest{SocksAuthEnabled: true}.WithDefaults(), nil
}

// Disconnect returns after teardown has completed.
func (s *Service) Disconnect(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.session.Disconnect()
	return s.statusStruct()
}

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.statusStruct()
}

// ─── Profiles ───────────────────────────────────────────────────────

func (s *Service) ListProfiles(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	selected, _ := s.cfg.SelectedProfile()
	profiles := s.cfg.Profiles()
	list := make([]any, 0, len(profiles))
	for _, p := range profiles {
		list = append(list, profileMap(p, p.ID == selected.ID))
	}
	return toStruct(map[string]any{"profiles": list, "selected": selected.ID})
}

// ImportProfile decodes the first profile link found in "text" (or "uri")
// and stores it. "select" makes it the default profile.
func (s *Service) ImportProfile(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	text := stringField(in, "text")
	if text == "" {
		text = stringField(in, "uri")
	}
	uri, ok := core.ExtractProfileURI(text)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "no "+core.URIScheme+" link found")
	}
	p, err := core.DecodeProfileURI(uri)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.cfg.PutProfile(p); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sel := boolField(in, "select", false)
	if sel {
		if err := s.cfg.Select(p.ID); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	if err := s.cfg.Save(); err != nil {
		return nil, status.Errorf(codes.Internal, "save config: %v", err)
	}
	core.Log.Infof("Service", "Imported profile %s (%s)", p.ID, p.Name)
	return toStruct(profileMap(p, sel))
}

func (s *Service) ExportProfile(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var (
		p  core.Profile
		ok bool
	)
	if id := stringField(in, "profile"); id != "" {
		if p, ok = s.cfg.Profile(id); !ok {
			return nil, errNotFound("profile", id)
		}
	} else if p, ok = s.cfg.SelectedProfile(); !ok {
		return nil, status.Error(codes.FailedPrecondition, "no profile configured")
	}
	uri, err := core.EncodeProfileURI(p)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode profile: %v", err)
	}
	return toStruct(map[string]any{"id": p.ID, "uri": uri})
}

func (s *Service) SelectProfile(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "profile")
	if _, ok := s.cfg.Profile(id); !ok {
		return nil, errNotFound("profile", id)
	}
	if err := s.cfg.Select(id); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := s.cfg.Save(); err != nil {
		return nil, status.Errorf(codes.Internal, "save config: %v", err)
	}
	return toStruct(map[string]any{"selected": id})
}

func (s *Service) RefreshSubscriptions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.subs == nil {
		return nil, status.Error(codes.Unavailable, "subscriptions disabled")
	}
	profiles, err := s.subs.RefreshAll(ctx)
	m := map[string]any{"profiles": len(profiles)}
	if err != nil {
		m["error"] = err.Error()
	}
	return toStruct(m)
}

// ─── Streaming ──────────────────────────────────────────────────────

// watchQueueSize bounds undelivered bus events per Watch stream.
const watchQueueSize = 128

// Watch streams the current status, the log replay ring, then live status,
// traffic, subscription and log events until the client goes away.
func (s *Service) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	events := make(chan map[string]any, watchQueueSize)
	push := func(m map[string]any) {
		select {
		case events <- m:
		default:
		}
	}

	unsubStatus := s.bus.Subscribe(core.EventStatusChanged, func(e core.Event) {
		if ev, ok := e.Payload.(core.StatusEvent); ok {
			push(statusEventMap(ev))
		}
	})
	defer unsubStatus()
	unsubTraffic := s.bus.Subscribe(core.EventTraffic, func(e core.Event) {
		if snap, ok := e.Payload.(core.TrafficSnapshot); ok {
			push(trafficMap(snap))
		}
	})
	defer unsubTraffic()
	unsubSubs := s.bus.Subscribe(core.EventSubscriptionUpdated, func(e core.Event) {
		if p, ok := e.Payload.(core.SubscriptionPayload); ok {
			push(subscriptionMap(p))
		}
	})
	defer unsubSubs()

	send := func(m map[string]any) error {
		st, err := toStruct(m)
		if err != nil {
			return err
		}
		return stream.Send(st)
	}

	if err := send(statusEventMap(s.status.Last())); err != nil {
		return err
	}

	logs := s.logs.Subscribe(core.LevelDebug, "")
	defer s.logs.Unsubscribe(logs)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case m := <-events:
			if err := send(m); err != nil {
				return err
			}
		case entry, ok := <-logs.C:
			if !ok {
				return nil
			}
			if err := send(logEntryMap(entry)); err != nil {
				return fmt.Errorf("send log entry: %w", err)
			}
		}
	}
}
