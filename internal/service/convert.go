package service

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"slipstream-vpn/internal/core"
)

// ─── Outgoing documents ─────────────────────────────────────────────

func statusEventMap(ev core.StatusEvent) map[string]any {
	return map[string]any{
		"type":      "status",
		"state":     ev.State.String(),
		"reason":    ev.Reason,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
	}
}

func trafficMap(s core.TrafficSnapshot) map[string]any {
	return map[string]any{
		"type":        "traffic",
		"rxTotal":     s.CumulativeRx,
		"txTotal":     s.CumulativeTx,
		"rxRate":      s.RateRx,
		"txRate":      s.RateTx,
		"unsupported": s.Unsupported,
	}
}

func logEntryMap(e LogEntry) map[string]any {
	return map[string]any{
		"type":      "log",
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"level":     e.Level.String(),
		"tag":       e.Tag,
		"message":   e.Message,
	}
}

func subscriptionMap(p core.SubscriptionPayload) map[string]any {
	m := map[string]any{
		"type":     "subscription",
		"name":     p.Name,
		"profiles": len(p.Profiles),
	}
	if p.Error != nil {
		m["error"] = p.Error.Error()
	}
	return m
}

// profileMap renders a profile. The password is included only for export.
func profileMap(p core.Profile, selected bool) map[string]any {
	m := map[string]any{
		"id":               p.ID,
		"name":             p.Name,
		"resolver":         p.Resolver,
		"domain":           p.Domain,
		"socksAuthEnabled": p.SocksAuthEnabled,
		"selected":         selected,
	}
	if p.Username != "" {
		m["username"] = p.Username
	}
	if p.Subscription != "" {
		m["subscription"] = p.Subscription
	}
	return m
}

// ─── Incoming documents ─────────────────────────────────────────────

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string, def bool) bool {
	if in == nil {
		return def
	}
	v, ok := in.GetFields()[key]
	if !ok {
		return def
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return def
	}
	return v.GetBoolValue()
}

// requestFromStruct reads an inline session request. ok is false when the
// document names neither a resolver nor a domain.
func requestFromStruct(in *structpb.Struct) (req core.SessionRequest, ok bool) {
	req = core.SessionRequest{
		Resolver:         stringField(in, "resolver"),
		Domain:           stringField(in, "domain"),
		SocksAuthEnabled: boolField(in, "socksAuthEnabled", true),
		Username:         stringField(in, "username"),
		Password:         stringField(in, "password"),
	}
	return req, req.Resolver != "" || req.Domain != ""
}
