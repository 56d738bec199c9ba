package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SecurityError signals a policy violation detected by SecureTarExtractor.
type SecurityError struct {
	Msg string
}

func (e *SecurityError) Error() string { return "secure: " + e.Msg }

// ValueError signals a malformed or tampered persisted envelope.
type ValueError struct {
	Msg string
}

func (e *ValueError) Error() string { return "secure: " + e.Msg }

// envelope is the on-disk shape written by Serializer.Serialize.
type envelope struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// tagged wrapper type tags, for values with no native JSON representation.
const (
	typeDatetime   = "datetime"
	typePath       = "path"
	typeStringRepr = "string_repr"
)

// PathValue marks a string as a filesystem path so Serialize encodes it
// with the "path" tag instead of a bare JSON string.
type PathValue string

// Clock returns the current time; tests inject a fixed clock.
type Clock func() time.Time

// Serializer produces and verifies HMAC-signed JSON envelopes.
type Serializer struct {
	secret []byte
	clock  Clock
}

// NewSerializer creates a Serializer keyed by secret. clock defaults to
// time.Now when nil.
func NewSerializer(secret []byte, clock Clock) *Serializer {
	if clock == nil {
		clock = time.Now
	}
	return &Serializer{secret: secret, clock: clock}
}

// Serialize canonicalizes v to JSON (sorted keys, compact separators),
// signs it, and returns the envelope as JSON bytes.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	tagged := makeJSONSerializable(v)

	dataJSON, err := canonicalJSON(tagged)
	if err != nil {
		return nil, fmt.Errorf("secure: canonicalize: %w", err)
	}

	sig := s.sign(dataJSON)

	env := envelope{
		Data:      string(dataJSON),
		Signature: sig,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("secure: marshal envelope: %w", err)
	}
	return out, nil
}

// Deserialize parses an envelope, verifies its signature in constant
// time, and returns the restored dynamic value. Any signature mismatch or
// malformed envelope returns a *ValueError.
func (s *Serializer) Deserialize(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValueError{Msg: fmt.Sprintf("invalid envelope: %v", err)}
	}
	if env.Data == "" || env.Signature == "" {
		return nil, &ValueError{Msg: "invalid envelope: missing data or signature"}
	}

	expected := s.sign([]byte(env.Data))
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return nil, &ValueError{Msg: "signature verification failed"}
	}

	var tagged any
	if err := json.Unmarshal([]byte(env.Data), &tagged); err != nil {
		return nil, &ValueError{Msg: fmt.Sprintf("invalid envelope data: %v", err)}
	}

	return restoreFromJSON(tagged), nil
}

func (s *Serializer) sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON marshals v with map keys sorted and no extraneous
// whitespace, matching encoding/json's default map-key ordering.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// makeJSONSerializable walks map[string]any and []any values, tagging
// time.Time and PathValue and passing JSON scalars through. Any other
// type that is not a JSON scalar (including typed slices, typed maps and
// structs) falls back to a tagged string representation.
func makeJSONSerializable(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{"_type": typeDatetime, "_value": val.UTC().Format(time.RFC3339Nano)}
	case PathValue:
		return map[string]any{"_type": typePath, "_value": string(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = makeJSONSerializable(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = makeJSONSerializable(item)
		}
		return out
	case nil, bool, string, int, int64, float64, json.Number:
		return val
	default:
		if isJSONNative(val) {
			return val
		}
		return map[string]any{"_type": typeStringRepr, "_value": fmt.Sprintf("%v", val)}
	}
}

// isJSONNative reports whether json.Marshal can already encode v without
// help (numeric kinds beyond the ones matched explicitly above).
func isJSONNative(v any) bool {
	switch v.(type) {
	case int8, int16, int32, uint, uint8, uint16, uint32, uint64, float32:
		return true
	default:
		return false
	}
}

// restoreFromJSON walks a decoded JSON value, restoring tagged wrappers
// back into their typed Go form.
func restoreFromJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val["_type"].(string); ok {
			value := val["_value"]
			switch tag {
			case typeDatetime:
				if s, ok := value.(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
						return t
					}
				}
			case typePath:
				if s, ok := value.(string); ok {
					return PathValue(s)
				}
			case typeStringRepr:
				if s, ok := value.(string); ok {
					return s
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = restoreFromJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = restoreFromJSON(item)
		}
		return out
	default:
		return val
	}
}
