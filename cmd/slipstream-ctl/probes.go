//go:build linux

package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/probe"
)

func runProbe(kind string, args []string) {
	cfg := loadConfig()
	switch kind {
	case "listener":
		outputResult(doListener(intFlag(args, "--port", cfg.Tunnel.Port())))
	case "resolver":
		req := selectedRequest(cfg)
		if r := flagValue(args, "--resolver"); r != "" {
			req.Resolver = r
		}
		if d := flagValue(args, "--domain"); d != "" {
			req.Domain = d
		}
		outputResult(doResolver(req.Resolver, req.Domain))
	case "latency":
		outputResult(doLatency(flagValue(args, "--url"), flagValue(args, "--proxy")))
	case "full":
		req := selectedRequest(cfg)
		port := cfg.Tunnel.Port()
		outputResults([]TestResult{
			doResolver(req.Resolver, req.Domain),
			doListener(port),
			doLatency("", socksURL(req, port)),
			doLatency("", ""),
		})
	default:
		fatal("unknown probe: %s", kind)
	}
}

// selectedRequest picks the selected profile from the local config.
func selectedRequest(cfg core.Config) core.SessionRequest {
	for _, p := range cfg.Profiles {
		if p.ID == cfg.Selected {
			return p.Request()
		}
	}
	if len(cfg.Profiles) > 0 {
		return cfg.Profiles[0].Request()
	}
	return core.SessionRequest{SocksAuthEnabled: true}.WithDefaults()
}

// socksURL is the proxy URL for the tunnel's SOCKS5 listener.
func socksURL(req core.SessionRequest, port int) string {
	u := url.URL{Scheme: "socks5", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	if req.SocksAuthEnabled && req.Username != "" {
		u.User = url.UserPassword(req.Username, req.Password)
	}
	return u.String()
}

func doListener(port int) TestResult {
	start := time.Now()
	result := TestResult{Name: fmt.Sprintf("listener(%d)", port)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := probe.Listener(ctx, port, timeout); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

func doResolver(resolver, domain string) TestResult {
	result := TestResult{Name: fmt.Sprintf("resolver(%s)", resolver)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := probe.Resolver(ctx, resolver, domain, timeout)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.LatencyMs = res.RTT.Milliseconds()
	result.Details = fmt.Sprintf("%s: %s, %d answers", res.Domain, res.Rcode, res.Answers)
	return result
}

func doLatency(target, proxy string) TestResult {
	name := "latency"
	if proxy != "" {
		name = "latency(tunnel)"
	}
	result := TestResult{Name: name}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := probe.Latency(ctx, probe.LatencyOptions{URL: target, Proxy: proxy})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = res.StatusCode < 400
	result.LatencyMs = res.Latency.Milliseconds()
	result.Details = fmt.Sprintf("%s -> %d", res.URL, res.StatusCode)
	return result
}
