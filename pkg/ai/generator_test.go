package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiGenerateJSONSetsResponseMimeType(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing api key")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"a\":"},{"text":"1}"}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGenerator(ProviderConfig{Provider: ProviderGemini, APIKey: "k", BaseURL: srv.URL}, "models/gemini-test")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := GenerateJSON(context.Background(), g, "sys", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"a":1}` {
		t.Fatalf("unexpected output: %q", out)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.ResponseMimeType != "application/json" {
		t.Fatalf("expected json response mime type, got %+v", got.GenerationConfig)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("expected system instruction")
	}
}

func TestGeminiErrorMessageSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	g, err := NewGenerator(ProviderConfig{APIKey: "k", BaseURL: srv.URL}, "gemini-test")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	_, err = g.GenerateText(context.Background(), "", "hi")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestOllamaGenerateJSONSetsFormat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{}"}}`))
	}))
	defer srv.Close()

	g, err := NewGenerator(ProviderConfig{Provider: ProviderOllama, BaseURL: srv.URL}, "llama3")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := GenerateJSON(context.Background(), g, "sys", "user"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Format != "json" || got.Stream || len(got.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestOpenAICompatGenerateJSON(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" {\"days\":[]} "}}]}`))
	}))
	defer srv.Close()

	g, err := NewGenerator(ProviderConfig{Provider: ProviderOpenAICompat, BaseURL: srv.URL, APIKey: "secret"}, "gpt-x")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := GenerateJSON(context.Background(), g, "", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"days":[]}` {
		t.Fatalf("unexpected output: %q", out)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("expected json_object response format")
	}
}

func TestNewGeneratorRequiresModel(t *testing.T) {
	if _, err := NewGenerator(ProviderConfig{Provider: ProviderOllama}, " "); err == nil {
		t.Fatalf("expected error for empty model")
	}
	if _, err := NewGenerator(ProviderConfig{Provider: "bogus"}, "m"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
