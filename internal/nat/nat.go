// Package nat probes the host's NAT situation via STUN (RFC 5389) and
// reports the best-known external address for discovery's WAN path.
package nat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	headerSize      = 20

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

var tracer = otel.Tracer("exo-larson/nat")

// DefaultServers are public STUN servers. Detect queries the first two
// entries in order; later entries are not tried.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Result is what the NAT Probe returns: the external address the host is
// reachable at from the public internet, and whether the host sits behind
// a NAT at all. A failed probe returns the zero Result — the discovery
// engine treats that as "LAN-only" and skips WAN behaviors.
type Result struct {
	ExternalIP   string
	ExternalPort int
	BehindNAT    bool
}

// Probe queries STUN servers to resolve a host's external address.
type Probe struct {
	servers []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProbe builds a Probe over the given STUN servers. An empty slice uses
// DefaultServers.
func NewProbe(servers []string, timeout time.Duration) *Probe {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Probe{
		servers: servers,
		timeout: timeout,
		logger:  slog.Default().With("component", "nat"),
	}
}

// Detect returns the best-known external address and whether the host is
// behind a NAT. It queries two servers from the same local socket: if both
// report the same external ip:port the local address is directly routable
// (no NAT, or a 1:1 NAT); any mismatch, or fewer than two responses, is
// treated conservatively as "behind NAT". On total failure it returns the
// zero Result along with an error — the discovery engine treats that as
// "LAN-only" and skips WAN behaviors rather than treating it as fatal.
func (p *Probe) Detect(ctx context.Context, localPort int) (Result, error) {
	ctx, span := tracer.Start(ctx, "nat.probe")
	defer span.End()

	if len(p.servers) == 0 {
		return Result{}, fmt.Errorf("no STUN servers configured")
	}

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		p.logger.Warn("bind UDP for NAT probe failed", "error", err)
		return Result{}, fmt.Errorf("bind UDP for NAT probe: %w", err)
	}
	defer conn.Close()

	type probeOutcome struct {
		ip   net.IP
		port int
		err  error
	}
	outcomes := make([]probeOutcome, 0, 2)
	for _, server := range p.servers {
		if len(outcomes) == 2 {
			break
		}
		ip, port, err := p.query(ctx, conn, server)
		outcomes = append(outcomes, probeOutcome{ip, port, err})
		if err != nil {
			p.logger.Debug("STUN query failed", "server", server, "error", err)
		}
	}

	var first *probeOutcome
	for i := range outcomes {
		if outcomes[i].err == nil {
			first = &outcomes[i]
			break
		}
	}
	if first == nil {
		p.logger.Warn("all STUN servers failed")
		return Result{}, fmt.Errorf("all STUN servers failed")
	}

	result := Result{ExternalIP: first.ip.String(), ExternalPort: first.port, BehindNAT: true}
	if len(outcomes) == 2 && outcomes[0].err == nil && outcomes[1].err == nil {
		sameAddr := outcomes[0].ip.Equal(outcomes[1].ip) && outcomes[0].port == outcomes[1].port
		result.BehindNAT = !sameAddr
	}

	span.SetAttributes(
		attribute.String("nat.external_addr", fmt.Sprintf("%s:%d", result.ExternalIP, result.ExternalPort)),
		attribute.Bool("nat.behind_nat", result.BehindNAT),
	)
	return result, nil
}

func (p *Probe) query(ctx context.Context, conn *net.UDPConn, server string) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve STUN server %q: %w", server, err)
	}

	req, txnID := buildBindingRequest()
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("send STUN request: %w", err)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("read STUN response: %w", err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("STUN response from unexpected sender %v (want %v)", sender, raddr)
	}
	return parseBindingResponse(buf[:n], txnID)
}

// buildBindingRequest creates a minimal STUN Binding Request (RFC 5389 §6):
// 20 bytes of type(2) + length(2) + magic cookie(4) + transaction ID(12).
func buildBindingRequest() ([]byte, [12]byte) {
	req := make([]byte, headerSize)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	var txnID [12]byte
	rand.Read(txnID[:])
	copy(req[8:20], txnID[:])
	return req, txnID
}

// parseBindingResponse extracts the external IP and port from a STUN
// Binding Response, preferring XOR-MAPPED-ADDRESS over MAPPED-ADDRESS.
func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if msgType := binary.BigEndian.Uint16(data[0:2]); msgType != bindingResponse {
		return nil, 0, fmt.Errorf("unexpected message type: 0x%04x", msgType)
	}
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != magicCookie {
		return nil, 0, fmt.Errorf("invalid magic cookie: 0x%08x", cookie)
	}
	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("transaction ID mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-headerSize {
		return nil, 0, fmt.Errorf("attribute length %d exceeds data", attrLen)
	}
	attrs := data[headerSize : headerSize+int(attrLen)]

	var mappedIP net.IP
	var mappedPort int
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if int(4+valLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case attrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case attrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("no mapped address in response")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS too short")
	}
	family := val[1]
	xorPort := binary.BigEndian.Uint16(val[2:4])
	port := int(xorPort ^ uint16(magicCookie>>16))

	switch family {
	case 0x01: // IPv4
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02: // IPv6
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01: // IPv4
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("MAPPED-ADDRESS IPv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02: // IPv6
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("MAPPED-ADDRESS IPv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}
