package netstack

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"slipstream-vpn/internal/bridge"
)

// socks5ReadBufPool reuses 64KB buffers for SOCKS5 UDP Read operations.
var socks5ReadBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// SOCKS5 protocol constants.
const (
	socks5Version    = 0x05
	authNone         = 0x00
	authUserPassword = 0x02
	authNoAcceptable = 0xFF

	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00

	userPassVersion   = 0x01
	userPassSucceeded = 0x00
)

// socksDialer reaches targets through the tunnel's SOCKS5 endpoint.
type socksDialer struct {
	server string
	auth   *proxy.Auth
	udp    bool
	tcp    proxy.Dialer
}

func newSocksDialer(s bridge.Settings) (*socksDialer, error) {
	server := net.JoinHostPort(s.Address, strconv.Itoa(s.Port))

	var auth *proxy.Auth
	if s.HasAuth() {
		auth = &proxy.Auth{User: s.Username, Password: s.Password}
	}

	d, err := proxy.SOCKS5("tcp", server, auth, &net.Dialer{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	return &socksDialer{
		server: server,
		auth:   auth,
		udp:    s.UDP == "udp",
		tcp:    d,
	}, nil
}

// DialTCP opens a CONNECT tunnel to addr.
func (d *socksDialer) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := d.tcp.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.tcp.Dial("tcp", addr)
}

// DialUDP opens a UDP ASSOCIATE relay for datagrams to addr.
func (d *socksDialer) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	if !d.udp {
		return nil, fmt.Errorf("UDP relay disabled")
	}
	return dialUDPAssociate(ctx, d.server, d.auth, addr)
}

// udpAssociateConn wraps a UDP connection to a SOCKS5 UDP relay.
// It transparently adds/removes the SOCKS5 UDP request header (RFC 1928 §7).
// The TCP control connection is kept alive; closing it terminates the relay.
type udpAssociateConn struct {
	udpConn    *net.UDPConn
	tcpCtrl    net.Conn
	relayAddr  *net.UDPAddr
	targetHost string
	targetPort uint16
}

// dialUDPAssociate performs the UDP ASSOCIATE handshake and returns a
// net.Conn that encapsulates/decapsulates the SOCKS5 UDP header.
func dialUDPAssociate(ctx context.Context, serverAddr string, auth *proxy.Auth, targetAddr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", targetAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid target port %q: %w", portStr, err)
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	tcpConn, err := d.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to SOCKS5 server: %w", err)
	}

	if err := socks5Handshake(tcpConn, auth); err != nil {
		tcpConn.Close()
		return nil, err
	}

	// DST.ADDR = 0.0.0.0:0; our source is not known yet.
	req := []byte{
		socks5Version, cmdUDPAssociate, 0x00,
		atypIPv4, 0, 0, 0, 0,
		0, 0,
	}
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("send UDP ASSOCIATE: %w", err)
	}

	relayAddr, err := readSocks5Reply(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("UDP ASSOCIATE reply: %w", err)
	}

	// A relay host of 0.0.0.0 means "same host as the server".
	if relayAddr.IP.IsUnspecified() {
		serverHost, _, _ := net.SplitHostPort(serverAddr)
		relayAddr.IP = net.ParseIP(serverHost)
	}

	udpConn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("connect to UDP relay %s: %w", relayAddr, err)
	}

	conn := &udpAssociateConn{
		udpConn:    udpConn,
		tcpCtrl:    tcpConn,
		relayAddr:  relayAddr,
		targetHost: host,
		targetPort: uint16(port),
	}
	go conn.monitorTCPControl()
	return conn, nil
}

// socks5Handshake performs the SOCKS5 authentication negotiation.
func socks5Handshake(conn net.Conn, auth *proxy.Auth) error {
	var methods []byte
	if auth != nil {
		methods = []byte{authNone, authUserPassword}
	} else {
		methods = []byte{authNone}
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = socks5Version
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)

	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read auth method: %w", err)
	}
	if reply[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version %d", reply[0])
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if auth == nil {
			return fmt.Errorf("server requires auth but no credentials provided")
		}
		return doUserPassAuth(conn, auth)
	case authNoAcceptable:
		return fmt.Errorf("no acceptable auth method")
	default:
		return fmt.Errorf("unsupported auth method %d", reply[1])
	}
}

// doUserPassAuth performs RFC 1929 username/password authentication.
func doUserPassAuth(conn net.Conn, auth *proxy.Auth) error {
	uLen := len(auth.User)
	pLen := len(auth.Password)
	if uLen > 255 || pLen > 255 {
		return fmt.Errorf("username or password too long")
	}

	msg := make([]byte, 3+uLen+pLen)
	msg[0] = userPassVersion
	msg[1] = byte(uLen)
	copy(msg[2:], auth.User)
	msg[2+uLen] = byte(pLen)
	copy(msg[3+uLen:], auth.Password)

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send user/pass: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply[1] != userPassSucceeded {
		return fmt.Errorf("authentication failed (status %d)", reply[1])
	}
	return nil
}

// readSocks5Reply reads a SOCKS5 reply and extracts BND.ADDR:BND.PORT.
func readSocks5Reply(conn net.Conn) (*net.UDPAddr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	if header[1] != repSucceeded {
		return nil, fmt.Errorf("SOCKS5 error: reply code %d", header[1])
	}

	var ip net.IP
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		ips, err := net.ResolveIPAddr("ip", string(domain))
		if err != nil {
			return nil, fmt.Errorf("resolve relay domain %q: %w", domain, err)
		}
		ip = ips.IP
	default:
		return nil, fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(portBuf))}, nil
}

// Write sends a datagram through the relay with the SOCKS5 header.
func (c *udpAssociateConn) Write(b []byte) (int, error) {
	header := buildUDPHeader(c.targetHost, c.targetPort)
	pkt := make([]byte, len(header)+len(b))
	copy(pkt, header)
	copy(pkt[len(header):], b)

	if _, err := c.udpConn.Write(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read receives a datagram from the relay, stripping the header.
func (c *udpAssociateConn) Read(b []byte) (int, error) {
	bp := socks5ReadBufPool.Get().(*[]byte)
	defer socks5ReadBufPool.Put(bp)
	buf := *bp
	n, err := c.udpConn.Read(buf)
	if err != nil {
		return 0, err
	}

	offset, err := udpHeaderLen(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("parse UDP relay header: %w", err)
	}
	return copy(b, buf[offset:n]), nil
}

// Close closes both the UDP socket and the TCP control connection.
func (c *udpAssociateConn) Close() error {
	c.udpConn.Close()
	c.tcpCtrl.Close()
	return nil
}

func (c *udpAssociateConn) LocalAddr() net.Addr { return c.udpConn.LocalAddr() }

func (c *udpAssociateConn) RemoteAddr() net.Addr {
	ip, err := netip.ParseAddr(c.targetHost)
	if err != nil {
		return c.relayAddr
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, c.targetPort))
}

func (c *udpAssociateConn) SetDeadline(t time.Time) error      { return c.udpConn.SetDeadline(t) }
func (c *udpAssociateConn) SetReadDeadline(t time.Time) error  { return c.udpConn.SetReadDeadline(t) }
func (c *udpAssociateConn) SetWriteDeadline(t time.Time) error { return c.udpConn.SetWriteDeadline(t) }

// monitorTCPControl closes the relay when the control connection ends
// (RFC 1928).
func (c *udpAssociateConn) monitorTCPControl() {
	buf := make([]byte, 1)
	c.tcpCtrl.Read(buf)
	c.udpConn.Close()
}

// buildUDPHeader constructs the SOCKS5 UDP request header.
// Format: RSV(2) + FRAG(1) + ATYP + DST.ADDR + DST.PORT
func buildUDPHeader(host string, port uint16) []byte {
	header := []byte{0x00, 0x00, 0x00}

	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			a4 := ip.As4()
			header = append(header, atypIPv4)
			header = append(header, a4[:]...)
		} else {
			a16 := ip.As16()
			header = append(header, atypIPv6)
			header = append(header, a16[:]...)
		}
	} else {
		header = append(header, atypDomain, byte(len(host)))
		header = append(header, host...)
	}

	return append(header, byte(port>>8), byte(port))
}

// udpHeaderLen returns the length of the SOCKS5 UDP header in pkt.
func udpHeaderLen(pkt []byte) (int, error) {
	if len(pkt) < 4 {
		return 0, fmt.Errorf("packet too short")
	}

	switch atyp := pkt[3]; atyp {
	case atypIPv4:
		if len(pkt) < 10 {
			return 0, fmt.Errorf("packet too short for IPv4")
		}
		return 10, nil
	case atypIPv6:
		if len(pkt) < 22 {
			return 0, fmt.Errorf("packet too short for IPv6")
		}
		return 22, nil
	case atypDomain:
		if len(pkt) < 5 {
			return 0, fmt.Errorf("packet too short for domain")
		}
		total := 4 + 1 + int(pkt[4]) + 2
		if len(pkt) < total {
			return 0, fmt.Errorf("packet too short for domain name")
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unsupported address type %d", atyp)
	}
}
