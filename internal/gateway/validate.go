package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/catalog"
)

// Parameter bounds and defaults for chat-completion requests.
const (
	DefaultTemperature      = 1.0
	DefaultMaxTokens        = 256
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.0
	DefaultPresencePenalty  = 0.0

	minTemperature = 0.0
	maxTemperature = 2.0
	minMaxTokens   = 1
	maxMaxTokens   = 4096
	minTopP        = 0.0
	maxTopP        = 1.0
)

// ModelAuto is the sentinel model value that delegates the choice of a
// concrete model to the selector. An absent model field means the same thing.
const ModelAuto = catalog.Auto

// ValidationError is a client-caused request defect. The message names the
// violated field and constraint so clients can fix the request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// validRoles enumerates the accepted message roles.
var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"function":  true,
}

// ChatRequest is a validated chat-completion request with all defaults
// resolved. It is immutable for the remainder of the pipeline: nothing
// downstream mutates it.
//
// Stop, Functions, and Tools are relayed as raw JSON — the gateway has no
// reason to interpret them, only to fingerprint and forward them.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      float64         `json:"temperature"`
	MaxTokens        int             `json:"max_tokens"`
	TopP             float64         `json:"top_p"`
	FrequencyPenalty float64         `json:"frequency_penalty"`
	PresencePenalty  float64         `json:"presence_penalty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Functions        json.RawMessage `json:"functions,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

// rawChatRequest mirrors the wire body. Pointer fields distinguish "absent"
// from a zero value so defaults are applied only when the client omitted the
// field; messages stay raw so element types can be checked one by one.
type rawChatRequest struct {
	Model            string          `json:"model"`
	Messages         json.RawMessage `json:"messages"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int            `json:"max_tokens"`
	TopP             *float64        `json:"top_p"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	Stop             json.RawMessage `json:"stop"`
	Functions        json.RawMessage `json:"functions"`
	Tools            json.RawMessage `json:"tools"`
	Stream           *bool           `json:"stream"`
}

// rawMessage keeps content raw so a non-string content is reported as a
// per-message defect rather than a body-level JSON error.
type rawMessage struct {
	Role    *string         `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseAndValidate parses body and checks it against the catalog's
// constraints. It returns the validated request with every optional field
// resolved to its default, or a *ValidationError naming the first defect.
//
// The token-budget check estimates tokens as total content characters / 4.
// That heuristic undercounts non-ASCII and structured content; it exists to
// reject obviously oversized prompts cheaply, not to meter usage.
func ParseAndValidate(body []byte, cat *catalog.Catalog) (*ChatRequest, *ValidationError) {
	var raw rawChatRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		if te, ok := err.(*json.UnmarshalTypeError); ok && te.Field != "" {
			return nil, invalidf(te.Field, "must be of type %s", te.Type)
		}
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err.Error())}
	}

	msgs, verr := validateMessages(raw.Messages)
	if verr != nil {
		return nil, verr
	}

	if raw.Model != "" && raw.Model != ModelAuto && !cat.Has(raw.Model) {
		return nil, invalidf("model", "unknown model %q", raw.Model)
	}

	req := &ChatRequest{
		Model:            raw.Model,
		Messages:         msgs,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		TopP:             DefaultTopP,
		FrequencyPenalty: DefaultFrequencyPenalty,
		PresencePenalty:  DefaultPresencePenalty,
		Stop:             raw.Stop,
		Functions:        raw.Functions,
		Tools:            raw.Tools,
	}
	if req.Model == "" {
		req.Model = ModelAuto
	}
	if raw.Stream != nil {
		req.Stream = *raw.Stream
	}
	if raw.FrequencyPenalty != nil {
		req.FrequencyPenalty = *raw.FrequencyPenalty
	}
	if raw.PresencePenalty != nil {
		req.PresencePenalty = *raw.PresencePenalty
	}

	if raw.Temperature != nil {
		if *raw.Temperature < minTemperature || *raw.Temperature > maxTemperature {
			return nil, invalidf("temperature", "must be between %g and %g", minTemperature, maxTemperature)
		}
		req.Temperature = *raw.Temperature
	}
	if raw.MaxTokens != nil {
		if *raw.MaxTokens < minMaxTokens || *raw.MaxTokens > maxMaxTokens {
			return nil, invalidf("max_tokens", "must be between %d and %d", minMaxTokens, maxMaxTokens)
		}
		req.MaxTokens = *raw.MaxTokens
	}
	if raw.TopP != nil {
		if *raw.TopP < minTopP || *raw.TopP > maxTopP {
			return nil, invalidf("top_p", "must be between %g and %g", minTopP, maxTopP)
		}
		req.TopP = *raw.TopP
	}

	// Token budget: the ceiling comes from the requested model when concrete,
	// otherwise from the widest context window in the catalog. The resolved
	// model may end up narrower after auto selection; that mismatch is the
	// backend's to report.
	ceiling := cat.WidestContext()
	if req.Model != ModelAuto {
		if spec, ok := cat.ByID(req.Model); ok {
			ceiling = spec.ContextLength
		}
	}
	if est := estimateTokens(msgs); est > ceiling {
		return nil, invalidf("messages", "estimated %d tokens exceeds the %d-token context limit", est, ceiling)
	}

	return req, nil
}

func validateMessages(raw json.RawMessage) ([]Message, *ValidationError) {
	if len(raw) == 0 {
		return nil, invalidf("messages", "is required")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, invalidf("messages", "must be an array")
	}
	if len(elems) == 0 {
		return nil, invalidf("messages", "must not be empty")
	}

	msgs := make([]Message, len(elems))
	for i, elem := range elems {
		var rm rawMessage
		if err := json.Unmarshal(elem, &rm); err != nil {
			return nil, invalidf("messages", "element %d must be an object", i)
		}
		if rm.Role == nil {
			return nil, invalidf("messages", "element %d is missing 'role'", i)
		}
		if !validRoles[*rm.Role] {
			return nil, invalidf("messages", "element %d has invalid role %q", i, *rm.Role)
		}
		if len(rm.Content) == 0 {
			return nil, invalidf("messages", "element %d is missing 'content'", i)
		}
		// A *string catches a literal null, which unmarshals into a plain
		// string as a silent no-op.
		var content *string
		if err := json.Unmarshal(rm.Content, &content); err != nil || content == nil {
			return nil, invalidf("messages", "element %d 'content' must be a string", i)
		}
		msgs[i] = Message{Role: *rm.Role, Content: *content}
	}
	return msgs, nil
}
