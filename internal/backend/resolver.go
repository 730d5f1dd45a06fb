// Package backend resolves inference backend endpoints and dispatches
// chat-completion requests to them with bounded retry and exponential
// backoff.
package backend

import (
	"fmt"
	"strings"
)

// completionsPath is the OpenAI-compatible path exposed by every inference
// backend.
const completionsPath = "/v1/chat/completions"

// Resolver maps a resolved model id to its backend URL. It is a pure lookup:
// discovery mechanics (service registries, scale sets) live behind the
// configuration that feeds it.
type Resolver struct {
	routes      map[string]string
	defaultBase string
}

// NewResolver builds a Resolver. routes maps model ids to full endpoint URLs
// and wins over defaultBase; defaultBase is a scheme://host[:port] prefix the
// completions path is appended to. Either may be empty.
func NewResolver(defaultBase string, routes map[string]string) *Resolver {
	r := &Resolver{
		routes:      make(map[string]string, len(routes)),
		defaultBase: strings.TrimRight(defaultBase, "/"),
	}
	for model, url := range routes {
		if model != "" && url != "" {
			r.routes[model] = url
		}
	}
	return r
}

// URL returns the dispatch endpoint for model. Failing to resolve a backend
// is a dispatch-time error — model selection has already happened by the
// time this is called.
func (r *Resolver) URL(model string) (string, error) {
	if url, ok := r.routes[model]; ok {
		return url, nil
	}
	if r.defaultBase != "" {
		return r.defaultBase + completionsPath, nil
	}
	return "", fmt.Errorf("backend: no route for model %q and no default backend configured", model)
}

// HealthURL returns the health endpoint for model's backend, used by the
// background health checker. Falls back to the default base.
func (r *Resolver) HealthURL(model string) (string, error) {
	url, err := r.URL(model)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(url, completionsPath) + "/health", nil
}
