// Package netstack is the in-process bridge engine. It runs a userspace
// TCP/IP stack on the TUN descriptor and relays every flow through the
// tunnel's SOCKS5 endpoint.
package netstack

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/fdbased"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"slipstream-vpn/internal/bridge"
	"slipstream-vpn/internal/core"
)

const (
	nicID tcpip.NICID = 1

	tcpMaxInFlight = 2048
	udpIdleTimeout = 120 * time.Second
	dialTimeout    = 10 * time.Second
)

// fwdBufPool reuses buffers for bidirectional TCP forwarding.
var fwdBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 256*1024)
		return &b
	},
}

// Stats are cumulative engine counters.
type Stats struct {
	TxBytes     int64
	RxBytes     int64
	TCPSessions int64
	UDPSessions int64
}

// Engine implements bridge.Engine on top of a gVisor stack.
type Engine struct {
	mu     sync.Mutex
	stack  *stack.Stack
	ctx    context.Context
	cancel context.CancelFunc
	dialer *socksDialer

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	txBytes     atomic.Int64
	rxBytes     atomic.Int64
	tcpSessions atomic.Int64
	udpSessions atomic.Int64
}

var _ bridge.Engine = (*Engine)(nil)

// New creates an idle engine.
func New() *Engine {
	return &Engine{conns: make(map[net.Conn]struct{})}
}

// Start reads the artifact at artifactPath and begins serving tunFD.
func (e *Engine) Start(artifactPath string, tunFD int) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	settings, err := bridge.ParseArtifact(data)
	if err != nil {
		return err
	}
	dialer, err := newSocksDialer(settings)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stack != nil {
		return fmt.Errorf("engine already started")
	}

	s, err := newStack(tunFD, settings.MTU)
	if err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.dialer = dialer
	e.stack = s

	tcpFwd := tcp.NewForwarder(s, 0, tcpMaxInFlight, e.handleTCP)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s, e.handleUDP)
	s.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	core.Log.Infof("Netstack", "Serving fd=%d mtu=%d via socks5 %s (udp=%v auth=%v)",
		tunFD, settings.MTU, dialer.server, dialer.udp, settings.HasAuth())
	return nil
}

// Stop closes every relayed flow and tears the stack down.
func (e *Engine) Stop() error {
	e.mu.Lock()
	s := e.stack
	e.stack = nil
	cancel := e.cancel
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	// Cancelling under connMu guarantees no relay registers afterwards.
	e.connMu.Lock()
	cancel()
	for c := range e.conns {
		c.Close()
	}
	e.connMu.Unlock()

	s.Close()
	e.wg.Wait()
	s.Wait()

	st := e.Stats()
	core.Log.Infof("Netstack", "Stopped (tx=%d rx=%d tcp=%d udp=%d)",
		st.TxBytes, st.RxBytes, st.TCPSessions, st.UDPSessions)
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		TxBytes:     e.txBytes.Load(),
		RxBytes:     e.rxBytes.Load(),
		TCPSessions: e.tcpSessions.Load(),
		UDPSessions: e.udpSessions.Load(),
	}
}

// Counters reports relayed bytes. The interface name is ignored: the
// engine serves exactly one descriptor.
func (e *Engine) Counters(string) (rx, tx int64) {
	return e.rxBytes.Load(), e.txBytes.Load()
}

func newStack(fd, mtu int) (*stack.Stack, error) {
	ep, err := fdbased.New(&fdbased.Options{
		FDs:                []int{fd},
		MTU:                uint32(mtu),
		PacketDispatchMode: fdbased.Readv,
	})
	if err != nil {
		return nil, fmt.Errorf("link endpoint: %w", err)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if tErr := s.CreateNIC(nicID, ep); tErr != nil {
		s.Close()
		return nil, fmt.Errorf("create NIC: %s", tErr)
	}
	// Accept packets for any destination and answer from it.
	if tErr := s.SetPromiscuousMode(nicID, true); tErr != nil {
		s.Close()
		return nil, fmt.Errorf("promiscuous mode: %s", tErr)
	}
	if tErr := s.SetSpoofing(nicID, true); tErr != nil {
		s.Close()
		return nil, fmt.Errorf("spoofing: %s", tErr)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	sack := tcpip.TCPSACKEnabled(true)
	s.SetTransportProtocolOption(tcp.ProtocolNumber, &sack)
	return s, nil
}

// track registers a relay and its connections. The caller owns one
// e.wg slot when it returns true.
func (e *Engine) track(conns ...net.Conn) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.ctx.Err() != nil {
		return false
	}
	for _, c := range conns {
		e.conns[c] = struct{}{}
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack(conns ...net.Conn) {
	e.connMu.Lock()
	for _, c := range conns {
		delete(e.conns, c)
	}
	e.connMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	e.wg.Done()
}

func targetAddr(addr tcpip.Address, port uint16) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
}

func (e *Engine) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	target := targetAddr(id.LocalAddress, id.LocalPort)

	ctx, cancel := context.WithTimeout(e.ctx, dialTimeout)
	upstream, err := e.dialer.DialTCP(ctx, target)
	cancel()
	if err != nil {
		core.Log.Debugf("Netstack", "TCP %s: %v", target, err)
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, tErr := r.CreateEndpoint(&wq)
	if tErr != nil {
		upstream.Close()
		r.Complete(true)
		return
	}
	r.Complete(false)
	local := gonet.NewTCPConn(&wq, ep)

	if !e.track(local, upstream) {
		local.Close()
		upstream.Close()
		return
	}
	e.tcpSessions.Add(1)

	var pair sync.WaitGroup
	pair.Add(2)
	go forward(upstream, local, &e.txBytes, "up", target, &pair)
	go forward(local, upstream, &e.rxBytes, "down", target, &pair)
	pair.Wait()
	e.untrack(local, upstream)
}

func forward(dst, src net.Conn, counter *atomic.Int64, direction, target string, wg *sync.WaitGroup) {
	defer wg.Done()

	bp := fwdBufPool.Get().(*[]byte)
	n, err := io.CopyBuffer(dst, src, *bp)
	fwdBufPool.Put(bp)
	counter.Add(n)

	if err != nil {
		core.Log.Debugf("Netstack", "forward %s %s: %d bytes, err=%v", direction, target, n, err)
		// Unblock the opposite direction.
		dst.Close()
		src.Close()
		return
	}

	// Signal half-close.
	if hc, ok := dst.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
	if rc, ok := src.(interface{ CloseRead() error }); ok {
		rc.CloseRead()
	}
}

// handleUDP runs on the stack's delivery path, so the relay dial happens
// on its own goroutine.
func (e *Engine) handleUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	target := targetAddr(id.LocalAddress, id.LocalPort)

	var wq waiter.Queue
	ep, tErr := r.CreateEndpoint(&wq)
	if tErr != nil {
		core.Log.Debugf("Netstack", "UDP %s endpoint: %s", target, tErr)
		return false
	}
	local := gonet.NewUDPConn(&wq, ep)
	if !e.track(local) {
		local.Close()
		return true
	}
	go e.relayUDP(local, target)
	return true
}

func (e *Engine) relayUDP(local net.Conn, target string) {
	defer e.untrack(local)

	ctx, cancel := context.WithTimeout(e.ctx, dialTimeout)
	upstream, err := e.dialer.DialUDP(ctx, target)
	cancel()
	if err != nil {
		core.Log.Debugf("Netstack", "UDP %s: %v", target, err)
		return
	}
	if !e.track(upstream) {
		upstream.Close()
		return
	}
	defer e.untrack(upstream)
	e.udpSessions.Add(1)

	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	done := make(chan struct{})
	go func() {
		defer close(done)
		copyDatagrams(upstream, local, &e.txBytes, &lastActive)
		local.Close()
		upstream.Close()
	}()
	copyDatagrams(local, upstream, &e.rxBytes, &lastActive)
	local.Close()
	upstream.Close()
	<-done
}

// copyDatagrams moves datagrams from src to dst until either side fails
// or neither direction has seen traffic for udpIdleTimeout.
func copyDatagrams(dst, src net.Conn, counter, lastActive *atomic.Int64) {
	buf := make([]byte, 65535)
	for {
		src.SetReadDeadline(time.Now().Add(udpIdleTimeout))
		n, err := src.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() &&
				time.Since(time.Unix(0, lastActive.Load())) < udpIdleTimeout {
				continue
			}
			return
		}
		lastActive.Store(time.Now().UnixNano())
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
		counter.Add(int64(n))
	}
}
