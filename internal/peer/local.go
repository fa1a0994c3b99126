package peer

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/larson-carter/exo-larson/internal/capabilities"
	"github.com/larson-carter/exo-larson/internal/crypto/pqc"
)

// dialTimeout bounds both the TCP dial and the handshake round trip a
// TunnelHandle performs during HealthCheck.
const dialTimeout = 3 * time.Second

// TunnelHandle is the reference Handle implementation: its liveness probe is
// a real network round trip that dials the peer's advertised address and
// performs a post-quantum handshake (§4.B "async probes" — backed by
// internal/crypto/pqc rather than a bare TCP SYN, since the spec treats a
// health check as an authenticated signal, not merely a reachability check).
// TunnelHandle only ever plays the initiator side of that handshake; the
// matching responder side is ServeHandshakes, run once against the local
// node's own TunnelManager so peers that dial in can authenticate back.
type TunnelHandle struct {
	id      string
	addr    string
	caps    capabilities.Capabilities
	isWAN   bool
	tunnels *pqc.TunnelManager
}

// NewTunnelHandle returns a Factory suitable for DiscoveryConfig's
// create_peer_handle, plus the TunnelManager backing every Handle it
// produces. Callers pass that TunnelManager to ServeHandshakes so inbound
// probes from peers get answered using the same key pair and session table
// outbound probes use.
func NewTunnelHandle(localNodeID string) (Factory, *pqc.TunnelManager, error) {
	tm, err := pqc.NewTunnelManager(localNodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("init tunnel manager: %w", err)
	}
	factory := func(peerID, addr string, caps capabilities.Capabilities, isWAN bool) Handle {
		return &TunnelHandle{id: peerID, addr: addr, caps: caps, isWAN: isWAN, tunnels: tm}
	}
	return factory, tm, nil
}

func (h *TunnelHandle) ID() string   { return h.id }
func (h *TunnelHandle) Addr() string { return h.addr }

func (h *TunnelHandle) Capabilities() capabilities.Capabilities { return h.caps }

// HealthCheck reports healthy at once, without a network round trip, when a
// PQC session with this peer already exists. Otherwise it dials the peer's
// advertised address and performs a PQC handshake init/response round trip.
// A successfully established session is treated as the peer being healthy;
// any network or protocol failure
// reports unhealthy without error — per spec §7 an unhealthy peer is not a
// fatal condition, just a removal trigger.
func (h *TunnelHandle) HealthCheck(ctx context.Context) (bool, error) {
	if h.tunnels.HasSession(h.id) {
		return true, nil
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return false, nil
	}
	defer conn.Close()

	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	init := h.tunnels.CreateHandshakeInit()
	if err := writeFramed(conn, init); err != nil {
		return false, nil
	}

	resp, err := readFramed(conn)
	if err != nil {
		return false, nil
	}

	peerID, _, err := h.tunnels.ProcessHandshakeResponse(resp)
	if err != nil || peerID != h.id {
		return false, nil
	}
	return true, nil
}

// IsConnected reports whether a PQC session with this peer is currently
// established, without performing a new network round trip.
func (h *TunnelHandle) IsConnected(ctx context.Context) (bool, error) {
	return h.tunnels.HasSession(h.id), nil
}

// Close drops the PQC session held with this peer. Discovery calls it when
// evicting a peer from known_peers, so rediscovery re-handshakes instead of
// trusting a session that may have gone stale.
func (h *TunnelHandle) Close() error {
	h.tunnels.RemoveSession(h.id)
	return nil
}

// ServeHandshakes accepts connections on ln and answers each with the
// responder side of the PQC handshake, admitting the dialing peer into tm's
// session table. It runs until ln is closed or its Accept loop errors.
func ServeHandshakes(tm *pqc.TunnelManager, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go answerHandshake(conn, tm)
	}
}

func answerHandshake(conn net.Conn, tm *pqc.TunnelManager) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	init, err := readFramed(conn)
	if err != nil {
		return
	}
	_, _, resp, err := tm.ProcessHandshakeInit(init)
	if err != nil {
		return
	}
	writeFramed(conn, resp)
}

func writeFramed(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFramed(conn net.Conn) ([]byte, error) {
	r := bufio.NewReader(conn)
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
