package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/aihub/voice/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptAndHistory checks message ordering and roles.
func TestBuildParams_SystemPromptAndHistory(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Keep answers under two sentences.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Hi"},
			{Role: llm.RoleAssistant, Content: "Hello!"},
			{Role: llm.RoleUser, Content: "What's the weather?"},
		},
	})

	if params.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(params.Messages))
	}
	wantRoles := []string{anyllmlib.RoleSystem, "user", "assistant", "user"}
	for i, want := range wantRoles {
		if params.Messages[i].Role != want {
			t.Errorf("message[%d].Role = %q, want %q", i, params.Messages[i].Role, want)
		}
	}
	if got := params.Messages[3].ContentString(); got != "What's the weather?" {
		t.Errorf("last content = %q", got)
	}
}

// TestBuildParams_OptionalKnobs checks that zero values leave pointers unset.
func TestBuildParams_OptionalKnobs(t *testing.T) {
	p := &Provider{model: "m"}

	params := p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("zero request set knobs: temperature=%v maxTokens=%v", params.Temperature, params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{Temperature: 0.4, MaxTokens: 150})
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("MaxTokens = %v, want 150", params.MaxTokens)
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_Backends checks construction of backends that need no network.
func TestNew_Backends(t *testing.T) {
	tests := []struct {
		name, provider, model string
		opts                  []anyllmlib.Option
	}{
		{"openai", "openai", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", "Anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "ollama", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.provider, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.provider, err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI returns an error when no API key is available.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestBackends checks the advertised list is sorted and constructible by name.
func TestBackends(t *testing.T) {
	names := Backends()
	if len(names) != 9 {
		t.Fatalf("Backends() = %v, want 9 entries", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Backends() not sorted: %v", names)
		}
	}
	for _, n := range names {
		if _, ok := backends[n]; !ok {
			t.Errorf("Backends() lists %q with no factory", n)
		}
	}
}
