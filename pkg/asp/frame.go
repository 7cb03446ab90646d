package asp

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
)

// Binary audio frame layout. A frame is the 12-byte header followed by raw
// PCM in the session's negotiated format.
//
//	offset 0  size 1  magic (0x01)
//	offset 1  size 1  direction
//	offset 2  size 8  session hash (truncated MD5 of the session id string)
//	offset 10 size 2  reserved, zero
const (
	FrameMagic      = 0x01
	FrameHeaderSize = 12
	sessionHashSize = 8
)

// Direction tags which way an audio frame flows.
type Direction byte

const (
	// DirectionInbound is caller to agent.
	DirectionInbound Direction = 0x00
	// DirectionOutbound is agent to caller.
	DirectionOutbound Direction = 0x01
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(0x%02x)", byte(d))
	}
}

// SessionHash returns the 8-byte truncated MD5 of the session id string.
// The hash is a routing key only, never an identity proof; collisions are
// resolved first-registered-wins by [SessionRegistry].
func SessionHash(sessionID string) [sessionHashSize]byte {
	sum := md5.Sum([]byte(sessionID))
	var h [sessionHashSize]byte
	copy(h[:], sum[:sessionHashSize])
	return h
}

// EncodeAudioFrame prepends the binary header to a PCM payload.
func EncodeAudioFrame(sessionID string, dir Direction, pcm []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(pcm))
	out[0] = FrameMagic
	out[1] = byte(dir)
	h := SessionHash(sessionID)
	copy(out[2:2+sessionHashSize], h[:])
	copy(out[FrameHeaderSize:], pcm)
	return out
}

// AudioFrame is one decoded binary frame. PCM aliases the input buffer; the
// caller copies it if the buffer is reused.
type AudioFrame struct {
	Direction Direction
	Hash      [sessionHashSize]byte
	PCM       []byte
}

// HashHex returns the session hash as lowercase hex, the form used as a
// registry key.
func (f AudioFrame) HashHex() string {
	return hex.EncodeToString(f.Hash[:])
}

// DecodeAudioFrame validates the magic byte and header length and splits a
// raw binary frame into header fields and payload.
func DecodeAudioFrame(data []byte) (AudioFrame, error) {
	if len(data) < FrameHeaderSize {
		return AudioFrame{}, fmt.Errorf("asp: audio frame too short: %d bytes", len(data))
	}
	if data[0] != FrameMagic {
		return AudioFrame{}, fmt.Errorf("asp: bad audio frame magic 0x%02x", data[0])
	}
	dir := Direction(data[1])
	if dir != DirectionInbound && dir != DirectionOutbound {
		return AudioFrame{}, fmt.Errorf("asp: bad audio frame direction 0x%02x", data[1])
	}
	var f AudioFrame
	f.Direction = dir
	copy(f.Hash[:], data[2:2+sessionHashSize])
	f.PCM = data[FrameHeaderSize:]
	return f, nil
}

// SessionRegistry maps both the full session id and its truncated hash to
// the session id, so frame routing can try the exact id first and fall back
// to the hash. Hash collisions keep the first-registered session.
type SessionRegistry struct {
	mu     sync.RWMutex
	byID   map[string]string
	byHash map[string]string
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:   make(map[string]string),
		byHash: make(map[string]string),
	}
}

// Register adds both lookup keys for a session. It reports whether the
// session's hash collided with an already-registered session, in which case
// the earlier registration keeps the hash key.
func (r *SessionRegistry) Register(sessionID string) (collision bool) {
	h := SessionHash(sessionID)
	key := hex.EncodeToString(h[:])
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sessionID] = sessionID
	if existing, ok := r.byHash[key]; ok && existing != sessionID {
		return true
	}
	r.byHash[key] = sessionID
	return false
}

// Unregister removes a session. The hash key is removed only if it still
// points at this session.
func (r *SessionRegistry) Unregister(sessionID string) {
	h := SessionHash(sessionID)
	key := hex.EncodeToString(h[:])
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sessionID)
	if r.byHash[key] == sessionID {
		delete(r.byHash, key)
	}
}

// Lookup resolves a frame's hash to a session id.
func (r *SessionRegistry) Lookup(hash [sessionHashSize]byte) (string, bool) {
	key := hex.EncodeToString(hash[:])
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[key]
	return id, ok
}

// Resolve maps an arbitrary key, either a full session id or a hash-hex
// string, to a session id. The exact id wins over the hash.
func (r *SessionRegistry) Resolve(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byID[key]; ok {
		return id, true
	}
	id, ok := r.byHash[key]
	return id, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
