package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SubscriptionConfig describes a remote list of slipstream:// profile links.
type SubscriptionConfig struct {
	URL             string `yaml:"url"`
	RefreshInterval string `yaml:"refresh_interval,omitempty"`
	UserAgent       string `yaml:"user_agent,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
}

// SubscriptionPayload is the payload for EventSubscriptionUpdated.
type SubscriptionPayload struct {
	Name     string
	Profiles []Profile
	Error    error
}

// SubscriptionManager fetches subscription URLs and keeps the profiles
// they carry in sync with the config.
type SubscriptionManager struct {
	mu         sync.RWMutex
	cfgMgr     *ConfigManager
	bus        *EventBus
	httpClient *http.Client
	stopChs    map[string]chan struct{}
	// cache stores the last fetched profiles per subscription name.
	cache map[string][]Profile
}

// NewSubscriptionManager creates a new subscription manager.
func NewSubscriptionManager(cfgMgr *ConfigManager, bus *EventBus, httpClient *http.Client) *SubscriptionManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SubscriptionManager{
		cfgMgr:     cfgMgr,
		bus:        bus,
		httpClient: httpClient,
		stopChs:    make(map[string]chan struct{}),
		cache:      make(map[string][]Profile),
	}
}

// Start begins auto-refresh goroutines for all subscriptions with a refresh interval.
func (sm *SubscriptionManager) Start(ctx context.Context) {
	cfg := sm.cfgMgr.Get()
	for name, sub := range cfg.Subscriptions {
		if sub.RefreshInterval == "" {
			continue
		}
		interval, err := time.ParseDuration(sub.RefreshInterval)
		if err != nil || interval <= 0 {
			Log.Warnf("Sub", "Invalid refresh_interval %q for subscription %q", sub.RefreshInterval, name)
			continue
		}
		sm.startRefreshLoop(ctx, name, sub, interval)
	}
}

// Stop halts all refresh goroutines.
func (sm *SubscriptionManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for name, ch := range sm.stopChs {
		close(ch)
		delete(sm.stopChs, name)
	}
}

// RefreshAll fetches every subscription. Returns the combined profiles.
func (sm *SubscriptionManager) RefreshAll(ctx context.Context) ([]Profile, error) {
	cfg := sm.cfgMgr.Get()
	var all []Profile
	var errs []string

	for name, sub := range cfg.Subscriptions {
		profiles, err := sm.Refresh(ctx, name, sub)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		all = append(all, profiles...)
	}

	if len(errs) > 0 {
		return all, fmt.Errorf("subscription errors: %s", strings.Join(errs, "; "))
	}
	return all, nil
}

// Refresh fetches one subscription and replaces its profiles in the config.
func (sm *SubscriptionManager) Refresh(ctx context.Context, name string, sub SubscriptionConfig) ([]Profile, error) {
	Log.Infof("Sub", "Refreshing subscription %q from %s", name, sub.URL)

	data, err := sm.fetch(ctx, sub)
	if err != nil {
		sm.publishUpdate(name, nil, err)
		return nil, fmt.Errorf("fetch %q: %w", name, err)
	}

	profiles, err := parseSubscription(name, sub, data)
	if err != nil {
		sm.publishUpdate(name, nil, err)
		return nil, fmt.Errorf("parse %q: %w", name, err)
	}

	sm.cfgMgr.ReplaceSubscriptionProfiles(name, profiles)
	if err := sm.cfgMgr.Save(); err != nil {
		Log.Warnf("Sub", "Failed to save config after refreshing %q: %v", name, err)
	}

	sm.mu.Lock()
	sm.cache[name] = profiles
	sm.mu.Unlock()

	sm.publishUpdate(name, profiles, nil)
	Log.Infof("Sub", "Subscription %q: got %d profiles", name, len(profiles))
	return profiles, nil
}

// GetCached returns the last fetched profiles for a subscription.
func (sm *SubscriptionManager) GetCached(name string) []Profile {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cache[name]
}

// fetch downloads subscription content from URL.
func (sm *SubscriptionManager) fetch(ctx context.Context, sub SubscriptionConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ua := sub.UserAgent
	if ua == "" {
		ua = "SlipstreamVPN/1.0"
	}
	req.Header.Set("User-Agent", ua)

	resp, err := sm.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, sub.URL)
	}

	// Limit body to 2 MB.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// parseSubscription decodes subscription content into profiles. The body is
// either plain text or base64 of plain text; every slipstream:// link found
// on a line becomes one profile.
func parseSubscription(name string, sub SubscriptionConfig, data []byte) ([]Profile, error) {
	trimmed := strings.TrimSpace(string(data))
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(trimmed)
		if err != nil {
			decoded = data
		}
	}

	prefix := sub.Prefix
	if prefix == "" {
		prefix = name
	}

	var profiles []Profile
	for i, line := range strings.Split(strings.TrimSpace(string(decoded)), "\n") {
		uri, ok := ExtractProfileURI(line)
		if !ok {
			continue
		}
		p, err := DecodeProfileURI(uri)
		if err != nil {
			Log.Warnf("Sub", "Subscription %q: failed to parse link #%d: %v", name, i+1, err)
			continue
		}
		p.ID = fmt.Sprintf("%s_%d", prefix, len(profiles)+1)
		p.Subscription = name
		profiles = append(profiles, p)
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no valid %s links found in subscription %q", URIScheme, name)
	}
	return profiles, nil
}

func (sm *SubscriptionManager) startRefreshLoop(ctx context.Context, name string, sub SubscriptionConfig, interval time.Duration) {
	sm.mu.Lock()
	stopCh := make(chan struct{})
	sm.stopChs[name] = stopCh
	sm.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := sm.Refresh(ctx, name, sub); err != nil {
					Log.Warnf("Sub", "Auto-refresh failed for %q: %v", name, err)
				}
			}
		}
	}()

	Log.Infof("Sub", "Auto-refresh for %q every %s", name, interval)
}

func (sm *SubscriptionManager) publishUpdate(name string, profiles []Profile, err error) {
	if sm.bus != nil {
		sm.bus.Publish(Event{
			Type: EventSubscriptionUpdated,
			Payload: SubscriptionPayload{
				Name:     name,
				Profiles: profiles,
				Error:    err,
			},
		})
	}
}
