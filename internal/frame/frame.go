// Package frame implements the canonical message format that flows between
// clients and the router: checksum-verified frames, fragmentation of large
// payloads, and ordered reassembly.
package frame

import (
	"crypto/sha256"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// QoS classes. Unknown/empty values are treated as Bronze by LaneForQoS.
const (
	QoSGold   = "gold"
	QoSSilver = "silver"
	QoSBronze = "bronze"
)

// Flags the core interprets. Any other flag string is passed through
// opaquely.
const (
	FlagMore = "MORE"
	FlagACK  = "ACK"
	FlagFin  = "FIN"
)

// Window is the per-stream budget triple carried on every frame.
type Window struct {
	MaxParallel  uint32 `json:"max_parallel"`
	MaxTokens    uint64 `json:"max_tokens"`
	MaxUSDMicros uint64 `json:"max_usd_micros"`
}

// CostEst is a predicted or observed token/cost figure.
type CostEst struct {
	InTokens  uint64 `json:"in_tokens"`
	OutTokens uint64 `json:"out_tokens"`
	USDMicros uint64 `json:"usd_micros"`
}

// Payload carries the frame's typed content.
type Payload struct {
	Type       string      `json:"type"`
	Content    interface{} `json:"content"`
	Confidence *float64    `json:"confidence,omitempty"`
	CostEst    *CostEst    `json:"cost_est,omitempty"`
	ExpiryMs   *uint64     `json:"expiry_ms,omitempty"`
}

// Frame is the wire schema. Field order here is the canonical order used
// when computing the checksum: declared order, nested objects likewise.
type Frame struct {
	V         uint8                  `json:"v"`
	SessionID string                 `json:"session_id"`
	StreamID  string                 `json:"stream_id"`
	MsgSeq    uint64                 `json:"msg_seq"`
	FragSeq   uint32                 `json:"frag_seq"`
	Flags     []string               `json:"flags"`
	QoS       string                 `json:"qos"`
	TTL       uint8                  `json:"ttl"`
	Window    Window                 `json:"window"`
	Meta      map[string]interface{} `json:"meta"`
	Payload   Payload                `json:"payload"`
	Checksum  string                 `json:"checksum,omitempty"`
	Sig       *string                `json:"sig,omitempty"`
}

// checksumView mirrors Frame but omits Checksum and Sig entirely, which is
// what compute_checksum requires: those fields must be *removed* from the
// encoded form, not merely zeroed, since a present-but-empty field would
// still perturb the byte stream an absent field wouldn't.
type checksumView struct {
	V         uint8                  `json:"v"`
	SessionID string                 `json:"session_id"`
	StreamID  string                 `json:"stream_id"`
	MsgSeq    uint64                 `json:"msg_seq"`
	FragSeq   uint32                 `json:"frag_seq"`
	Flags     []string               `json:"flags"`
	QoS       string                 `json:"qos"`
	TTL       uint8                  `json:"ttl"`
	Window    Window                 `json:"window"`
	Meta      map[string]interface{} `json:"meta"`
	Payload   Payload                `json:"payload"`
}

func (f Frame) view() checksumView {
	return checksumView{
		V:         f.V,
		SessionID: f.SessionID,
		StreamID:  f.StreamID,
		MsgSeq:    f.MsgSeq,
		FragSeq:   f.FragSeq,
		Flags:     f.Flags,
		QoS:       f.QoS,
		TTL:       f.TTL,
		Window:    f.Window,
		Meta:      f.Meta,
		Payload:   f.Payload,
	}
}

// ComputeChecksum returns hex(SHA-256(canonical_json(f \ {checksum, sig}))).
func ComputeChecksum(f Frame) (string, error) {
	buf, err := jsonc.Marshal(f.view())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// WithComputedChecksum returns a copy of f with Checksum populated.
func WithComputedChecksum(f Frame) (Frame, error) {
	sum, err := ComputeChecksum(f)
	if err != nil {
		return f, err
	}
	f.Checksum = sum
	return f, nil
}

// VerifyChecksum recomputes the checksum and compares it exactly against
// the one stored on the frame.
func VerifyChecksum(f Frame) bool {
	sum, err := ComputeChecksum(f)
	if err != nil {
		return false
	}
	return sum == f.Checksum
}

// HasFlag reports whether f carries the given flag.
func HasFlag(f Frame, flag string) bool {
	for _, fl := range f.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// WithoutFlag returns flags with every occurrence of flag removed.
func WithoutFlag(flags []string, flag string) []string {
	out := make([]string, 0, len(flags))
	for _, fl := range flags {
		if fl != flag {
			out = append(out, fl)
		}
	}
	return out
}

// WithFlag returns flags with flag present exactly once.
func WithFlag(flags []string, flag string) []string {
	for _, fl := range flags {
		if fl == flag {
			return flags
		}
	}
	return append(append([]string{}, flags...), flag)
}

// LaneForQoS normalizes qos to lower case and maps it to a lane tag:
// gold -> "Gold", silver -> "Silver", anything else -> "Bronze".
func LaneForQoS(qos string) string {
	switch lower(qos) {
	case QoSGold:
		return "Gold"
	case QoSSilver:
		return "Silver"
	default:
		return "Bronze"
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Marshal expose the jsoniter codec so callers never need to import
// json-iterator directly.
func Marshal(f Frame) ([]byte, error) { return jsonc.Marshal(f) }

// requiredFields are the Frame keys that must be present in the wire JSON.
// Unlike Go's zero-value-on-absence default, a Frame missing session_id (or
// stream_id) must fail to deserialize rather than silently decode to "".
var requiredFields = []string{"session_id", "stream_id"}

// Unmarshal decodes a Frame, rejecting input that omits a required field.
func Unmarshal(b []byte, f *Frame) error {
	var raw map[string]jsoniter.RawMessage
	if err := jsonc.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, key := range requiredFields {
		if _, ok := raw[key]; !ok {
			return &MissingFieldError{Field: key}
		}
	}
	return jsonc.Unmarshal(b, f)
}

// MissingFieldError reports a required Frame field absent from the wire JSON.
type MissingFieldError struct{ Field string }

func (e *MissingFieldError) Error() string {
	return "frame: missing required field " + e.Field
}
