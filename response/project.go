package response

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// projectJSON decodes body as a JSON object and re-encodes only the subset
// of top-level keys named in mask, in mask order. json.RawMessage values
// are copied byte-for-byte rather than re-marshaled, so nested structures
// and number formatting survive untouched.
func projectJSON(body []byte, mask []string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body))
	out = append(out, '{')
	first := true
	for _, key := range mask {
		val, ok := obj[key]
		if !ok {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false

		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		out = append(out, encodedKey...)
		out = append(out, ':')
		out = append(out, val...)
	}
	out = append(out, '}')
	return out, nil
}

// projectCBOR decodes body as a CBOR map and re-encodes only the entries
// whose text key appears in mask, preserving each value's original CBOR
// encoding. The re-encoded map is built from a Go map, so its key order is
// not mask order and is not fixed.
func projectCBOR(body []byte, mask []string) ([]byte, error) {
	var obj map[string]cbor.RawMessage
	if err := cbor.Unmarshal(body, &obj); err != nil {
		return nil, err
	}

	out := make(map[string]cbor.RawMessage, len(mask))
	for _, key := range mask {
		if val, ok := obj[key]; ok {
			out[key] = val
		}
	}
	return cbor.Marshal(out)
}
