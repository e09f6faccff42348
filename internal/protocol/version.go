package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Version is the opaque value a client attaches to an update. Re-encoding
// with the codec it arrived in yields the bytes the client sent; crossing
// between JSON and CBOR keeps integers exact.
type Version struct {
	json json.RawMessage
	cbor cbor.RawMessage
}

// VersionJSON wraps raw JSON text as a Version.
func VersionJSON(raw string) *Version {
	return &Version{json: json.RawMessage(raw)}
}

func (v *Version) UnmarshalJSON(data []byte) error {
	v.json = append(json.RawMessage(nil), data...)
	v.cbor = nil
	return nil
}

func (v *Version) UnmarshalCBOR(data []byte) error {
	v.cbor = append(cbor.RawMessage(nil), data...)
	v.json = nil
	return nil
}

func (v Version) MarshalJSON() ([]byte, error) {
	switch {
	case v.json != nil:
		return v.json, nil
	case v.cbor != nil:
		var value any
		if err := cborDec.Unmarshal(v.cbor, &value); err != nil {
			return nil, err
		}
		return json.Marshal(value)
	}
	return []byte("null"), nil
}

func (v Version) MarshalCBOR() ([]byte, error) {
	switch {
	case v.cbor != nil:
		return v.cbor, nil
	case v.json != nil:
		dec := json.NewDecoder(bytes.NewReader(v.json))
		dec.UseNumber()
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		return cborEnc.Marshal(exactNumbers(value))
	}
	return cborEnc.Marshal(nil)
}

// exactNumbers replaces json.Number values with the narrowest Go number
// that holds them without loss.
func exactNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return u
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return string(v)
	case map[string]any:
		for key, item := range v {
			v[key] = exactNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = exactNumbers(item)
		}
		return v
	}
	return value
}
