package response

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMarshalBinaryRoundTrips(t *testing.T) {
	r := Response{
		Status:  200,
		Headers: []Header{{Name: "x-trace", Value: "abc"}},
		Mime:    "application/json",
		Body:    []byte(`{"a":1}`),
	}

	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Response
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != r.Status || string(out.Body) != string(r.Body) || out.Mime != r.Mime {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, r)
	}
}

func TestFilterHeaders_DropsContentTypeAndLength(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", "123")
	h.Set("X-Trace", "abc")

	filtered, mime := FilterHeaders(h, "")
	if mime != "application/json" {
		t.Errorf("expected mime application/json, got %s", mime)
	}
	for _, hd := range filtered {
		if hd.Name == "content-type" || hd.Name == "content-length" {
			t.Errorf("content-type/length must never be stored, got %s", hd.Name)
		}
	}
}

func TestFilterHeaders_HonorsAllowList(t *testing.T) {
	h := http.Header{}
	h.Set("X-Trace", "abc")
	h.Set("X-Secret", "shh")

	filtered, _ := FilterHeaders(h, "x-trace")
	if len(filtered) != 1 || filtered[0].Name != "x-trace" {
		t.Errorf("expected only x-trace to survive the allow-list, got %+v", filtered)
	}
}

func TestProjectBody_JSONMaskIsIdempotent(t *testing.T) {
	body := []byte(`{"a":1,"b":2,"c":3}`)
	mask := []string{"a", "c"}

	once, err := ProjectBody(200, "application/json", body, mask)
	if err != nil {
		t.Fatalf("project once: %v", err)
	}
	twice, err := ProjectBody(200, "application/json", once, mask)
	if err != nil {
		t.Fatalf("project twice: %v", err)
	}
	if string(once) != string(twice) {
		t.Errorf("expected masking to be idempotent, got %s then %s", once, twice)
	}
}

func TestProjectBody_SkipsNonSuccessStatus(t *testing.T) {
	body := []byte(`{"a":1,"b":2}`)
	out, err := ProjectBody(404, "application/json", body, []string{"a"})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("expected body unchanged for status >= 300, got %s", out)
	}
}

func TestProjectBody_EmptyMaskKeepsVerbatim(t *testing.T) {
	body := []byte(`{"a":1}`)
	out, err := ProjectBody(200, "application/json", body, nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("expected body unchanged with empty mask, got %s", out)
	}
}

func TestEmit_WritesRecomputedContentLength(t *testing.T) {
	w := httptest.NewRecorder()
	Emit(w, Response{Status: 201, Mime: "text/plain", Body: []byte("hello")})

	if w.Code != 201 {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if w.Header().Get("content-length") != "5" {
		t.Errorf("expected content-length 5, got %s", w.Header().Get("content-length"))
	}
	if w.Body.String() != "hello" {
		t.Errorf("expected body hello, got %s", w.Body.String())
	}
}

func TestParseMask_TrimsAndDropsEmpty(t *testing.T) {
	mask := ParseMask(" a, b ,, c")
	want := []string{"a", "b", "c"}
	if len(mask) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(mask), mask)
	}
	for i, v := range want {
		if mask[i] != v {
			t.Errorf("entry %d: expected %s, got %s", i, v, mask[i])
		}
	}
}

func TestParseMask_EmptyReturnsNil(t *testing.T) {
	if ParseMask("  ") != nil {
		t.Error("expected nil for a blank mask header")
	}
}
