// Package canonicaljson implements the deterministic JSON encoding TUF
// metadata is hashed and signed over (spec §4.1): sorted object keys, no
// insignificant whitespace, minimal string escaping, and integer-only
// numbers.
//
// Encoding is delegated to github.com/docker/go/canonical/json, the same
// library kolide/updater's tuf/roles.go and tuf/persistence.go use to
// marshal roles before hashing or writing them to disk. This package adds
// the decode-side guarantees TUF needs that a generic marshaler doesn't
// provide: recovering the exact "signed" sub-document from transport bytes
// without re-encoding ambiguity, and rejecting non-integer JSON numbers on
// fields the metadata model declares as integers.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"strconv"
	"unicode/utf8"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuferrors"
)

// MarshalCanonical returns the canonical JSON encoding of v.
func MarshalCanonical(v interface{}) ([]byte, error) {
	b, err := cjson.MarshalCanonical(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical marshal")
	}
	return b, nil
}

// Envelope is the generic {signed, signatures} shape every TUF metadata
// document shares. Signed holds the exact transport-bytes slice that
// corresponds to the "signed" field, carved out with json.RawMessage
// before any struct-specific unmarshaling happens. Signatures are not
// checked over these raw bytes: ParseEnvelope re-encodes them canonically
// and that encoding is what verification uses.
type Envelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []RawSignature  `json:"signatures"`
}

// RawSignature is a signature entry before its keyid/sig fields are
// validated against a specific role's scheme table.
type RawSignature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// ParseEnvelope extracts the envelope from transport bytes and recomputes
// the canonical encoding of the "signed" portion, which is what every
// signature in the document was computed over. role is used only to
// annotate errors.
func ParseEnvelope(role string, data []byte) (*Envelope, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: role, Err: err}
	}
	if len(env.Signed) == 0 {
		return nil, nil, &tuferrors.MalformedMetadata{Role: role, Msg: "missing \"signed\" field"}
	}
	if err := ValidateSyntax(env.Signed); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: role, Err: err}
	}
	// Re-marshal through a generic map so MarshalCanonical sees a
	// normalized Go value (map[string]interface{}/[]interface{}/json.Number)
	// rather than a RawMessage, which cjson cannot canonicalize directly.
	var generic interface{}
	genDec := json.NewDecoder(bytes.NewReader(env.Signed))
	genDec.UseNumber()
	if err := genDec.Decode(&generic); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: role, Err: err}
	}
	signedBytes, err := MarshalCanonical(generic)
	if err != nil {
		return nil, nil, err
	}
	return &env, signedBytes, nil
}

// ValidateSyntax re-parses data to confirm it is well-formed JSON with no
// trailing garbage. ParseEnvelope already calls this on the "signed" slice;
// it is exported so callers validating arbitrary sub-documents (e.g. a Key
// object before computing its KeyID) can reuse the same check.
func ValidateSyntax(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// DecodeInt64Field converts a json.Number pulled from a generic decode into
// an int64, rejecting values with a fractional component or that don't fit
// (spec's IntegerOverflow error).
func DecodeInt64Field(field string, n json.Number) (int64, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	// It parsed as a JSON number but not as an int64: either it has a
	// fractional part (e.g. "1.5") or it overflows int64.
	return 0, &tuferrors.IntegerOverflow{Field: field, Value: s}
}

// ValidateIntegerFields walks the generic JSON value encoded in data and,
// for every object key named in fields whose value is a JSON number,
// requires that number to have no fractional component and to fit in an
// int64 (spec §4.1: "reject non-integer JSON numbers on metadata fields
// declared integer"). Values of those keys that are not JSON numbers are
// not checked here. It is used by
// callers decoding a role's signed bytes into a typed struct (version,
// length, threshold) to surface tuferrors.IntegerOverflow instead of a
// generic encoding/json type-mismatch error.
func ValidateIntegerFields(data []byte, fields ...string) error {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return errors.Wrap(err, "decoding for integer field validation")
	}
	return walkIntFields(v, want)
}

func walkIntFields(v interface{}, want map[string]bool) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if want[k] {
				if n, ok := child.(json.Number); ok {
					if _, err := DecodeInt64Field(k, n); err != nil {
						return err
					}
				}
			}
			if err := walkIntFields(child, want); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range t {
			if err := walkIntFields(child, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodeCanonicalString applies the string-escaping rule of spec §4.1:
// escape only '"', '\\', and control characters U+0000..U+001F; every
// other valid UTF-8 rune, including non-ASCII BMP and astral characters,
// passes through verbatim. This exists only to make the escaping rule
// independently testable; MarshalCanonical (via cjson) is the code path
// actually used to produce bytes that get hashed or signed.
func EncodeCanonicalString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errors.New("invalid utf-8 string")
	}
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u`)
				hex := strconv.FormatInt(int64(r), 16)
				for i := len(hex); i < 4; i++ {
					buf.WriteByte('0')
				}
				buf.WriteString(hex)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return buf.String(), nil
}
