// Package response implements the Response Codec: the canonical on-wire
// representation of a cached HTTP response, with projection operations
// over JSON / CBOR bodies and header allow-lists.
package response

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Header is an ordered (name, value) pair; names are always lowercase.
type Header struct {
	Name  string `cbor:"0,keyasint"`
	Value string `cbor:"1,keyasint"`
}

// Response is the canonical cached representation of an upstream HTTP
// response: status, a filtered header list, a MIME tag, and the (possibly
// projected) body. content-length and content-type are never stored among
// Headers — they're recomputed on Emit.
type Response struct {
	Status  uint16   `cbor:"0,keyasint"`
	Headers []Header `cbor:"1,keyasint"`
	Mime    string   `cbor:"2,keyasint"`
	Body    []byte   `cbor:"3,keyasint"`
}

// MarshalBinary returns the canonical CBOR encoding used both for the
// Cacher payload and for the bytes a LOSER receives from PollGet.
func (r Response) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(r)
}

// UnmarshalBinary reverses MarshalBinary.
func (r *Response) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// FilterHeaders builds the ordered header list to store from the upstream
// response headers, applying the response-headers allow-list (comma
// separated, case-insensitive names). An empty allowList keeps everything
// except content-type/content-length, which are never stored.
func FilterHeaders(headers http.Header, allowList string) (filtered []Header, mime string) {
	allow := splitList(allowList)
	filtered = make([]Header, 0, len(headers))

	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		value := values[0]

		if lower == "content-type" {
			mime = value
			continue
		}
		if lower == "content-length" {
			continue
		}
		if len(allow) > 0 && !containsFold(allow, lower) {
			continue
		}
		filtered = append(filtered, Header{Name: lower, Value: value})
	}
	return filtered, mime
}

// ProjectBody applies the x-json-mask projection rules:
//   - status >= 300 or an empty mask: body kept verbatim.
//   - mime contains "application/json": decode as a JSON object, project to
//     the mask's keys in mask order, re-encode.
//   - mime contains "application/cbor": decode as a CBOR map, retain keys in
//     the mask, re-encode as a CBOR map.
//   - otherwise: body kept verbatim.
func ProjectBody(status int, mime string, body []byte, mask []string) ([]byte, error) {
	if status >= 300 || len(mask) == 0 {
		return body, nil
	}
	switch {
	case strings.Contains(mime, "application/json"):
		return projectJSON(body, mask)
	case strings.Contains(mime, "application/cbor"):
		return projectCBOR(body, mask)
	default:
		return body, nil
	}
}

// Emit rebuilds HTTP headers from r.Headers in order, appending the
// recomputed content-type and content-length, and writes status + body.
func Emit(w http.ResponseWriter, r Response) {
	h := w.Header()
	for _, hdr := range r.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	if r.Mime != "" {
		h.Set("content-type", r.Mime)
	}
	h.Set("content-length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(int(r.Status))
	_, _ = w.Write(r.Body)
}

// ParseMask parses the x-json-mask header into an ordered, trimmed,
// non-empty slice, preserving case and order (JSON/CBOR object keys are
// compared case-sensitively, unlike header names).
func ParseMask(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitList parses a comma-separated allow-list header value into a
// trimmed, non-empty, lowercase slice.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
