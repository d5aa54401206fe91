// Package protocol implements the wire-level format for LAN mesh messages.
//
// Every mesh message is a JSON envelope sent over TCP with a 4-byte
// big-endian length prefix so the receiver knows exactly how many bytes to
// read.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// MsgType is the closed set of recognised mesh message types.
type MsgType string

const (
	Chat     MsgType = "chat"
	Command  MsgType = "command"
	Response MsgType = "response"
	Ping     MsgType = "ping"
	Pong     MsgType = "pong"

	EnrollRequest  MsgType = "enroll_request"
	EnrollResponse MsgType = "enroll_response"

	StateReport MsgType = "state_report"

	OTAOffer    MsgType = "ota_offer"
	OTAAccept   MsgType = "ota_accept"
	OTAReject   MsgType = "ota_reject"
	OTAChunk    MsgType = "ota_chunk"
	OTAChunkAck MsgType = "ota_chunk_ack"
	OTAVerify   MsgType = "ota_verify"
	OTAComplete MsgType = "ota_complete"
	OTAAbort    MsgType = "ota_abort"

	FederationHello    MsgType = "federation_hello"
	FederationSync     MsgType = "federation_sync"
	FederationCommand  MsgType = "federation_command"
	FederationResponse MsgType = "federation_response"
	FederationState    MsgType = "federation_state"
	FederationPing     MsgType = "federation_ping"
	FederationPong     MsgType = "federation_pong"
)

// BroadcastTarget is the wildcard target meaning "deliver to everyone".
const BroadcastTarget = "*"

// Envelope is one mesh message.
type Envelope struct {
	Type   MsgType        `json:"type"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
	TS     float64        `json:"ts"`

	// PSK-auth fields.
	Nonce string `json:"nonce,omitempty"`
	HMAC  string `json:"hmac,omitempty"`

	// Payload-encryption fields.
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
	IV               string `json:"iv,omitempty"`
}

// New builds an envelope with the payload defaulted to an empty map and the
// timestamp defaulted to now, matching the dataclass field defaults in the
// original protocol.
func New(msgType MsgType, source, target string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:    msgType,
		Source:  source,
		Target:  target,
		Payload: payload,
		TS:      float64(time.Now().UnixNano()) / 1e9,
	}
}

// rawEnvelope mirrors Envelope's JSON shape but keeps every field addressable
// for canonicalisation (sorted-key serialisation, explicit field removal).
type rawEnvelope struct {
	Type             string         `json:"type"`
	Source           string         `json:"source"`
	Target           string         `json:"target"`
	Payload          map[string]any `json:"payload"`
	TS               float64        `json:"ts"`
	Nonce            string         `json:"nonce,omitempty"`
	HMAC             string         `json:"hmac,omitempty"`
	EncryptedPayload string         `json:"encrypted_payload,omitempty"`
	IV               string         `json:"iv,omitempty"`
}

func (e Envelope) toRaw() rawEnvelope {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return rawEnvelope{
		Type:             string(e.Type),
		Source:           e.Source,
		Target:           e.Target,
		Payload:          payload,
		TS:               e.TS,
		Nonce:            e.Nonce,
		HMAC:             e.HMAC,
		EncryptedPayload: e.EncryptedPayload,
		IV:               e.IV,
	}
}

// ToBytes serialises the envelope to length-prefixed JSON bytes.
func (e Envelope) ToBytes() ([]byte, error) {
	body, err := json.Marshal(e.toRaw())
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// FromBytes deserialises an envelope from raw JSON bytes (no length prefix).
// Missing fields default to their zero values, matching the original's
// tolerant `.get(..., default)` deserialisation.
func FromBytes(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	payload := raw.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:             MsgType(raw.Type),
		Source:           raw.Source,
		Target:           raw.Target,
		Payload:          payload,
		TS:               raw.TS,
		Nonce:            raw.Nonce,
		HMAC:             raw.HMAC,
		EncryptedPayload: raw.EncryptedPayload,
		IV:               raw.IV,
	}, nil
}

// CanonicalBytes returns the canonical JSON bytes used for HMAC computation:
// hmac and nonce excluded, keys sorted, no insignificant whitespace, UTF-8
// without escaping.
func (e Envelope) CanonicalBytes() []byte {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	m := map[string]any{
		"type":    string(e.Type),
		"source":  e.Source,
		"target":  e.Target,
		"payload": payload,
		"ts":      e.TS,
	}
	if e.EncryptedPayload != "" {
		m["encrypted_payload"] = e.EncryptedPayload
	}
	if e.IV != "" {
		m["iv"] = e.IV
	}
	return canonicalJSON(m)
}

// canonicalJSON renders a map as JSON with lexicographically sorted keys at
// every nesting level and no escaping of non-ASCII runes.
func canonicalJSON(v any) []byte {
	var buf []byte
	buf = appendCanonical(buf, v)
	return buf
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, val[k])
		}
		buf = append(buf, '}')
		return buf
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		buf = append(buf, ']')
		return buf
	default:
		b, _ := json.Marshal(val)
		return append(buf, b...)
	}
}

// ReadEnvelope reads one length-prefixed envelope from r. It returns
// (Envelope{}, false, nil) on EOF before or inside the 4-byte header and
// (Envelope{}, false, err) on any other read failure or malformed frame;
// callers must treat both as "no envelope" and close the connection without
// leaving bytes in an ambiguous position.
func ReadEnvelope(r io.Reader) (Envelope, bool, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, false, fmt.Errorf("read frame body: %w", err)
	}
	env, err := FromBytes(body)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// WriteEnvelope writes one length-prefixed envelope to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	b, err := env.ToBytes()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
