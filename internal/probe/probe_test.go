package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if err := Listener(context.Background(), port, time.Second); err != nil {
		t.Fatalf("Listener on open port: %v", err)
	}
	ln.Close()
	if err := Listener(context.Background(), port, 200*time.Millisecond); err == nil {
		t.Fatal("expected error after listener closed")
	}
}

func startDNS(t *testing.T, h dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolver(t *testing.T) {
	addr := startDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(192, 0, 2, 1),
		})
		w.WriteMsg(m)
	})

	res, err := Resolver(context.Background(), addr, "tunnel.example.com", time.Second)
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}
	if res.Rcode != "NOERROR" || res.Answers != 1 {
		t.Errorf("got rcode=%s answers=%d", res.Rcode, res.Answers)
	}
	if res.Domain != "tunnel.example.com" {
		t.Errorf("domain = %q", res.Domain)
	}
}

func TestResolverNXDomain(t *testing.T) {
	addr := startDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		w.WriteMsg(m)
	})

	res, err := Resolver(context.Background(), addr, "missing.example.com", time.Second)
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}
	if res.Rcode != "NXDOMAIN" {
		t.Errorf("rcode = %s", res.Rcode)
	}
}

func TestResolverTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	if _, err := Resolver(context.Background(), pc.LocalAddr().String(), "example.com", 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout against a silent resolver")
	}
}

func TestLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := Latency(context.Background(), LatencyOptions{URL: srv.URL})
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", res.StatusCode)
	}
	if res.Latency <= 0 {
		t.Errorf("latency = %s", res.Latency)
	}
}

func TestLatencyBadProxy(t *testing.T) {
	_, err := Latency(context.Background(), LatencyOptions{URL: "http://127.0.0.1:1/", Proxy: "://bad"})
	if err == nil {
		t.Fatal("expected proxy parse error")
	}
}
