package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// cacheKeyLen is the truncated hex length of the fingerprint digest.
const cacheKeyLen = 32

// Fingerprint derives the deterministic cache key for a validated request
// dispatched as resolvedModel.
//
// The canonical subset is exactly: model (resolved), messages, temperature,
// max_tokens, top_p, frequency_penalty, presence_penalty, stop, functions,
// tools — resolved values, never the raw wire body. Fields with a default
// (the sampling parameters and both penalties) are always present, so an
// omitted field and its explicit default hash identically. stop, functions,
// and tools have no default and are included only when present.
//
// Serialization is deterministic because every level is built from maps and
// encoding/json sorts map keys lexicographically. Raw JSON values (stop,
// functions, tools) are round-tripped through `any` so their nested object
// keys sort too. stream is deliberately outside the subset: the orchestrator
// gates caching on stream == false at the call site.
func Fingerprint(req *ChatRequest, resolvedModel string) string {
	msgs := make([]any, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	canonical := map[string]any{
		"model":             resolvedModel,
		"messages":          msgs,
		"temperature":       req.Temperature,
		"max_tokens":        req.MaxTokens,
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
	}
	addRaw(canonical, "stop", req.Stop)
	addRaw(canonical, "functions", req.Functions)
	addRaw(canonical, "tools", req.Tools)

	// Marshal cannot fail: the value is built from JSON-native types only.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:cacheKeyLen]
}

// addRaw normalizes a raw JSON field into m under key. Round-tripping through
// `any` turns nested objects into maps, which Marshal then key-sorts.
func addRaw(m map[string]any, key string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return
	}
	m[key] = v
}
