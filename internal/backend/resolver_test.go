package backend

import "testing"

func TestResolverExplicitRouteWins(t *testing.T) {
	r := NewResolver("http://default:8080", map[string]string{
		"mixtral-8x7b": "http://mixtral.internal:9000/v1/chat/completions",
	})

	url, err := r.URL("mixtral-8x7b")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "http://mixtral.internal:9000/v1/chat/completions" {
		t.Fatalf("URL = %s", url)
	}
}

func TestResolverDefaultBase(t *testing.T) {
	r := NewResolver("http://default:8080/", nil)

	url, err := r.URL("llama-3-70b")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "http://default:8080/v1/chat/completions" {
		t.Fatalf("URL = %s (trailing slash must be trimmed)", url)
	}
}

func TestResolverNoRoute(t *testing.T) {
	r := NewResolver("", nil)
	if _, err := r.URL("phi-3-mini"); err == nil {
		t.Fatal("expected error with no route and no default backend")
	}
}

func TestResolverHealthURL(t *testing.T) {
	r := NewResolver("http://default:8080", map[string]string{
		"mixtral-8x7b": "http://mixtral.internal:9000/v1/chat/completions",
	})

	url, err := r.HealthURL("mixtral-8x7b")
	if err != nil {
		t.Fatalf("HealthURL: %v", err)
	}
	if url != "http://mixtral.internal:9000/health" {
		t.Fatalf("HealthURL = %s", url)
	}

	url, err = r.HealthURL("llama-3-70b")
	if err != nil {
		t.Fatalf("HealthURL: %v", err)
	}
	if url != "http://default:8080/health" {
		t.Fatalf("HealthURL = %s", url)
	}
}
