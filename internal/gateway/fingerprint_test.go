package gateway

import (
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/catalog"
)

// fpOf validates a body and fingerprints it against its resolved model, the
// way the request pipeline does.
func fpOf(t *testing.T, body string) string {
	t.Helper()
	cat := catalog.Default()
	req, verr := ParseAndValidate([]byte(body), cat)
	if verr != nil {
		t.Fatalf("ParseAndValidate(%s): %v", body, verr)
	}
	return Fingerprint(req, SelectModel(req.Model, req.Messages, cat))
}

func TestFingerprintLength(t *testing.T) {
	key := fpOf(t, `{"messages":[{"role":"user","content":"hi"}]}`)
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("key %q contains non-hex character %q", key, c)
		}
	}
}

// Field ordering in the wire body must not change the key.
func TestFingerprintOrderIndependent(t *testing.T) {
	a := fpOf(t, `{"model":"phi-3-mini","temperature":0.5,"messages":[{"role":"user","content":"hi"}]}`)
	b := fpOf(t, `{"messages":[{"content":"hi","role":"user"}],"temperature":0.5,"model":"phi-3-mini"}`)
	if a != b {
		t.Fatalf("keys differ across field orderings: %s vs %s", a, b)
	}
}

// An omitted optional field and its explicit default must hash identically,
// because both resolve to the same value before fingerprinting.
func TestFingerprintDefaultsEquivalent(t *testing.T) {
	omitted := fpOf(t, `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}]}`)
	explicit := fpOf(t, `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"temperature":1.0,"max_tokens":256,"top_p":1.0,"frequency_penalty":0.0,"presence_penalty":0.0}`)
	if omitted != explicit {
		t.Fatalf("keys differ: omitted=%s explicit=%s", omitted, explicit)
	}

	// Penalties resolve to 0 like the other sampling parameters: an explicit
	// zero alone must not produce a second cache entry.
	for _, body := range []string{
		`{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"frequency_penalty":0}`,
		`{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"presence_penalty":0}`,
	} {
		if key := fpOf(t, body); key != omitted {
			t.Errorf("explicit zero penalty changed the key: %s vs %s (%s)", key, omitted, body)
		}
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}]}`
	variants := map[string]string{
		"model":             `{"model":"llama-3-70b","messages":[{"role":"user","content":"hi"}]}`,
		"messages":          `{"model":"phi-3-mini","messages":[{"role":"user","content":"hello"}]}`,
		"temperature":       `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`,
		"max_tokens":        `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"max_tokens":512}`,
		"top_p":             `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"top_p":0.9}`,
		"frequency_penalty": `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"frequency_penalty":0.5}`,
		"presence_penalty":  `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"presence_penalty":0.5}`,
		"stop":              `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"stop":["\n"]}`,
		"tools":             `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"f"}}]}`,
	}

	baseKey := fpOf(t, base)
	for field, body := range variants {
		if key := fpOf(t, body); key == baseKey {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}

// stream is outside the canonical subset: a streaming and non-streaming
// request with identical content share a key. The orchestrator gates caching
// on stream == false at the call site.
func TestFingerprintIgnoresStream(t *testing.T) {
	plain := fpOf(t, `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}]}`)
	stream := fpOf(t, `{"model":"phi-3-mini","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if plain != stream {
		t.Fatalf("stream flag changed the key: %s vs %s", plain, stream)
	}
}

// Nested object key order inside raw relay fields must not matter.
func TestFingerprintNestedObjectsSorted(t *testing.T) {
	a := fpOf(t, `{"messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"f","description":"d"}}]}`)
	b := fpOf(t, `{"messages":[{"role":"user","content":"hi"}],"tools":[{"function":{"description":"d","name":"f"},"type":"function"}]}`)
	if a != b {
		t.Fatalf("nested key order changed the key: %s vs %s", a, b)
	}
}

func TestFingerprintMessageOrderMatters(t *testing.T) {
	a := fpOf(t, `{"messages":[{"role":"system","content":"s"},{"role":"user","content":"u"}]}`)
	b := fpOf(t, `{"messages":[{"role":"user","content":"u"},{"role":"system","content":"s"}]}`)
	if a == b {
		t.Fatal("message order must affect the key")
	}
}
