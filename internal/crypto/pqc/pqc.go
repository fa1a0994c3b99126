// Package pqc implements the post-quantum handshake a TunnelHandle uses to
// admit a discovered peer: ML-KEM-768 (Kyber) key encapsulation followed by
// an HKDF-SHA256 derivation leaves both sides holding a matching shared
// secret; no message confirms that the two keys match. The completed
// exchange itself is the admission signal — there is no subsequent
// encrypted data channel here, so a completed handshake is treated purely
// as an authenticity and liveness proof for discovery's health checks.
package pqc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"
)

// keyPair holds a node's ML-KEM-768 key pair.
type keyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	NodeID     string
	Algorithm  string
}

// session records a peer's derived shared secret once its handshake
// completes. It is removed by RemoveSession when discovery evicts the peer.
type session struct {
	PeerID    string
	SharedKey []byte // 32 bytes, derived via HKDF-SHA256
}

// TunnelManager owns the local node's key pair and one session per peer it
// has completed a handshake with.
type TunnelManager struct {
	mu       sync.RWMutex
	nodeID   string
	keys     *keyPair
	sessions map[string]*session
	logger   *slog.Logger
}

// NewTunnelManager generates a fresh ML-KEM-768 key pair for nodeID.
func NewTunnelManager(nodeID string) (*TunnelManager, error) {
	pk, sk, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ML-KEM-768 keys: %w", err)
	}

	pubBytes := make([]byte, mlkem768.PublicKeySize)
	privBytes := make([]byte, mlkem768.PrivateKeySize)
	pk.Pack(pubBytes)
	sk.Pack(privBytes)

	keys := &keyPair{
		PublicKey:  pubBytes,
		PrivateKey: privBytes,
		NodeID:     nodeID,
		Algorithm:  "ML-KEM-768",
	}

	return &TunnelManager{
		nodeID:   nodeID,
		keys:     keys,
		sessions: make(map[string]*session),
		logger:   slog.Default().With("component", "pqc"),
	}, nil
}

// CreateHandshakeInit builds the initiator's first message.
// Format: [node_id_len:2][node_id][public_key]
func (tm *TunnelManager) CreateHandshakeInit() []byte {
	nodeIDBytes := []byte(tm.nodeID)
	msg := make([]byte, 2+len(nodeIDBytes)+len(tm.keys.PublicKey))
	binary.BigEndian.PutUint16(msg[0:2], uint16(len(nodeIDBytes)))
	copy(msg[2:], nodeIDBytes)
	copy(msg[2+len(nodeIDBytes):], tm.keys.PublicKey)
	return msg
}

// ProcessHandshakeInit is the responder side, run by ServeHandshakes against
// an inbound probe. It encapsulates against the initiator's public key,
// derives and stores the session, and returns the response to write back.
// Returns: peerNodeID, sharedSecret, responseMessage, error
func (tm *TunnelManager) ProcessHandshakeInit(data []byte) (string, []byte, []byte, error) {
	if len(data) < 2 {
		return "", nil, nil, fmt.Errorf("handshake message too short")
	}

	nodeIDLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+nodeIDLen+mlkem768.PublicKeySize {
		return "", nil, nil, fmt.Errorf("handshake message truncated")
	}

	peerID := string(data[2 : 2+nodeIDLen])
	peerPubKeyBytes := data[2+nodeIDLen : 2+nodeIDLen+mlkem768.PublicKeySize]

	var peerPK mlkem768.PublicKey
	if err := peerPK.Unpack(peerPubKeyBytes); err != nil {
		return "", nil, nil, fmt.Errorf("invalid peer public key: %w", err)
	}

	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	peerPK.EncapsulateTo(ct, ss, nil)

	derivedKey, err := tm.deriveKey(ss)
	if err != nil {
		return "", nil, nil, fmt.Errorf("derive key: %w", err)
	}

	tm.mu.Lock()
	tm.sessions[peerID] = &session{PeerID: peerID, SharedKey: derivedKey}
	tm.mu.Unlock()

	ourIDBytes := []byte(tm.nodeID)
	resp := make([]byte, 2+len(ourIDBytes)+len(ct))
	binary.BigEndian.PutUint16(resp[0:2], uint16(len(ourIDBytes)))
	copy(resp[2:], ourIDBytes)
	copy(resp[2+len(ourIDBytes):], ct)

	tm.logger.Info("admitted peer via PQC handshake", "peer", peerID)
	return peerID, ss, resp, nil
}

// ProcessHandshakeResponse is the initiator side: it decapsulates the
// responder's ciphertext and stores the resulting session.
// Returns: peerNodeID, sharedSecret, error
func (tm *TunnelManager) ProcessHandshakeResponse(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("handshake response too short")
	}

	nodeIDLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+nodeIDLen+mlkem768.CiphertextSize {
		return "", nil, fmt.Errorf("handshake response truncated")
	}

	peerID := string(data[2 : 2+nodeIDLen])
	ct := data[2+nodeIDLen : 2+nodeIDLen+mlkem768.CiphertextSize]

	var sk mlkem768.PrivateKey
	if err := sk.Unpack(tm.keys.PrivateKey); err != nil {
		return "", nil, fmt.Errorf("invalid local private key: %w", err)
	}

	ss := make([]byte, mlkem768.SharedKeySize)
	sk.DecapsulateTo(ss, ct)

	derivedKey, err := tm.deriveKey(ss)
	if err != nil {
		return "", nil, fmt.Errorf("derive key: %w", err)
	}

	tm.mu.Lock()
	tm.sessions[peerID] = &session{PeerID: peerID, SharedKey: derivedKey}
	tm.mu.Unlock()

	tm.logger.Info("established PQC session", "peer", peerID)
	return peerID, ss, nil
}

// deriveKey expands a raw ML-KEM shared secret into a 32-byte session key.
func (tm *TunnelManager) deriveKey(sharedSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte("exo-larson-peer-handshake-v1"))
	derivedKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, derivedKey); err != nil {
		return nil, err
	}
	return derivedKey, nil
}

// HasSession reports whether a handshake with peerID has already completed.
func (tm *TunnelManager) HasSession(peerID string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.sessions[peerID]
	return ok
}

// RemoveSession drops a peer's session, called once discovery evicts it
// from the known-peers table so a later re-discovery re-handshakes rather
// than trusting a stale session.
func (tm *TunnelManager) RemoveSession(peerID string) {
	tm.mu.Lock()
	delete(tm.sessions, peerID)
	tm.mu.Unlock()
}
