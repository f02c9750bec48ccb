// Package adapters knows the per-CLI wire details: where each app keeps its
// credentials inside a provider settings blob, which auth header the
// upstream expects, and how to find the model name in a request.
//
// Provider settings are stored in the same JSON shape the CLI's own config
// file uses, so a provider entry can be pasted between the CLI and the
// gateway unchanged.
package adapters

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

// Credentials is what an adapter extracts from a provider settings blob.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Adapter handles one app's request format.
type Adapter interface {
	AppType() store.AppType

	// Credentials pulls the upstream base URL and API key out of a
	// provider settings blob.
	Credentials(settingsJSON string) (Credentials, error)

	// ApplyAuth sets the auth header(s) the upstream expects.
	ApplyAuth(h http.Header, apiKey string)

	// RequestModel extracts the model the client asked for. path is the
	// upstream-relative request path; only Gemini encodes the model there.
	RequestModel(body []byte, path string) string

	// RewriteRequest applies the provider's pinned model override to the
	// request body, if the settings blob carries one. The body is returned
	// unchanged when there is nothing to rewrite.
	RewriteRequest(body []byte, settingsJSON string) []byte
}

// ResponseTransformer is an optional adapter capability: rewriting a
// buffered upstream response before it reaches the client, for providers
// whose wire format differs from the app's. None of the built-in adapters
// implement it; responses pass through byte-exact. External transcoders
// plug in here.
type ResponseTransformer interface {
	// NeedsTransform reports whether this provider's responses require
	// rewriting, based on its settings blob.
	NeedsTransform(settingsJSON string) bool

	// TransformResponse rewrites a complete response body.
	TransformResponse(body []byte) ([]byte, error)
}

// ForApp returns the adapter for an app type.
func ForApp(app store.AppType) (Adapter, error) {
	switch app {
	case store.AppClaude:
		return claudeAdapter{}, nil
	case store.AppCodex:
		return codexAdapter{}, nil
	case store.AppGemini:
		return geminiAdapter{}, nil
	}
	return nil, fmt.Errorf("no adapter for app type %q", app)
}

// ----------------------------------------------------------------------------
// Claude
// ----------------------------------------------------------------------------

type claudeAdapter struct{}

func (claudeAdapter) AppType() store.AppType { return store.AppClaude }

func (claudeAdapter) Credentials(settingsJSON string) (Credentials, error) {
	env := gjson.Get(settingsJSON, "env")
	if !env.Exists() {
		return Credentials{}, fmt.Errorf("claude settings: missing env section")
	}
	key := env.Get("ANTHROPIC_AUTH_TOKEN")
	if !key.Exists() {
		key = env.Get("ANTHROPIC_API_KEY")
	}
	if key.String() == "" {
		return Credentials{}, fmt.Errorf("claude settings: missing API key")
	}
	base := env.Get("ANTHROPIC_BASE_URL").String()
	if base == "" {
		return Credentials{}, fmt.Errorf("claude settings: missing ANTHROPIC_BASE_URL")
	}
	return Credentials{BaseURL: base, APIKey: key.String()}, nil
}

func (claudeAdapter) ApplyAuth(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("Authorization", "Bearer "+apiKey)
}

func (claudeAdapter) RequestModel(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (claudeAdapter) RewriteRequest(body []byte, settingsJSON string) []byte {
	return applyModelOverride(body, settingsJSON)
}

// ----------------------------------------------------------------------------
// Codex
// ----------------------------------------------------------------------------

// codexBaseURLRe matches the base_url line in the embedded config.toml text.
var codexBaseURLRe = regexp.MustCompile(`base_url\s*=\s*["']([^"']+)["']`)

type codexAdapter struct{}

func (codexAdapter) AppType() store.AppType { return store.AppCodex }

func (codexAdapter) Credentials(settingsJSON string) (Credentials, error) {
	auth := gjson.Get(settingsJSON, "auth")
	if !auth.Exists() {
		return Credentials{}, fmt.Errorf("codex settings: missing auth section")
	}
	key := auth.Get("OPENAI_API_KEY").String()
	if key == "" {
		return Credentials{}, fmt.Errorf("codex settings: missing API key")
	}

	// Codex keeps its base URL inside the config.toml text it ships to the
	// CLI, not as a structured field.
	configTOML := gjson.Get(settingsJSON, "config").String()
	m := codexBaseURLRe.FindStringSubmatch(configTOML)
	if m == nil {
		return Credentials{}, fmt.Errorf("codex settings: base_url missing from config.toml")
	}
	return Credentials{BaseURL: m[1], APIKey: key}, nil
}

func (codexAdapter) ApplyAuth(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (codexAdapter) RequestModel(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (codexAdapter) RewriteRequest(body []byte, settingsJSON string) []byte {
	return applyModelOverride(body, settingsJSON)
}

// ----------------------------------------------------------------------------
// Gemini
// ----------------------------------------------------------------------------

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

type geminiAdapter struct{}

func (geminiAdapter) AppType() store.AppType { return store.AppGemini }

func (geminiAdapter) Credentials(settingsJSON string) (Credentials, error) {
	env := gjson.Get(settingsJSON, "env")
	key := env.Get("GEMINI_API_KEY").String()
	if key == "" {
		return Credentials{}, fmt.Errorf("gemini settings: missing GEMINI_API_KEY")
	}
	base := env.Get("GOOGLE_GEMINI_BASE_URL").String()
	if base == "" {
		base = geminiDefaultBaseURL
	}
	return Credentials{BaseURL: base, APIKey: key}, nil
}

func (geminiAdapter) ApplyAuth(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
}

// RequestModel parses the model out of the URI, e.g.
// /v1beta/models/gemini-2.5-pro:streamGenerateContent.
func (geminiAdapter) RequestModel(_ []byte, path string) string {
	const marker = "models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexAny(rest, ":/"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func (geminiAdapter) RewriteRequest(body []byte, _ string) []byte {
	// Gemini encodes the model in the URI; the body carries no model field.
	return body
}

// applyModelOverride rewrites the body's model field when the provider pins
// one via a model_override setting.
func applyModelOverride(body []byte, settingsJSON string) []byte {
	override := gjson.Get(settingsJSON, "model_override").String()
	if override == "" || !gjson.GetBytes(body, "model").Exists() {
		return body
	}
	out, err := sjson.SetBytes(body, "model", override)
	if err != nil {
		return body
	}
	return out
}
