// Package usage extracts token usage from upstream responses and turns it
// into priced telemetry records.
package usage

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// TokenUsage is the token accounting reported by an upstream, normalized
// across app formats.
type TokenUsage struct {
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Total returns the sum of all token counts.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Empty reports whether no usage was observed at all.
func (u TokenUsage) Empty() bool {
	return u.Total() == 0 && u.Model == ""
}

// ParseJSON extracts usage from a complete (non-streamed) response body.
func ParseJSON(app store.AppType, body []byte) TokenUsage {
	var u TokenUsage
	applyPayload(app, &u, body)
	return u
}

// SSEParser incrementally parses an SSE stream and accumulates usage across
// events. Feed it raw chunks as they arrive; usage fields merge across
// events (inputs overwrite, outputs take the maximum) because providers
// report partial usage at both ends of a stream.
type SSEParser struct {
	app    store.AppType
	buffer []byte
	usage  TokenUsage
	events int
}

func NewSSEParser(app store.AppType) *SSEParser {
	return &SSEParser{
		app:    app,
		buffer: make([]byte, 0, config.DefaultBufferSize),
	}
}

// Feed consumes one raw chunk and returns how many complete SSE events it
// parsed out of the buffer.
func (p *SSEParser) Feed(chunk []byte) int {
	p.buffer = append(p.buffer, chunk...)
	return p.parse(false)
}

// Events returns the number of complete events parsed so far.
func (p *SSEParser) Events() int { return p.events }

// Usage flushes any trailing partial event and returns the accumulated
// usage.
func (p *SSEParser) Usage() TokenUsage {
	p.parse(true)
	return p.usage
}

func (p *SSEParser) parse(flush bool) int {
	n := 0
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return n
		}
		p.buffer = rest
		p.parseEvent(event)
		n++
		p.events++
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *SSEParser) parseEvent(event []byte) {
	lines := bytes.Split(event, []byte("\n"))
	dataLines := make([][]byte, 0, 2)

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}

	if len(dataLines) == 0 {
		return
	}
	applyPayload(p.app, &p.usage, bytes.Join(dataLines, []byte("\n")))
}

// applyPayload merges one JSON payload into u using the app's field layout.
func applyPayload(app store.AppType, u *TokenUsage, data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}
	switch app {
	case store.AppClaude:
		// message_start carries message.usage and the model; message_delta
		// and buffered responses carry a top-level usage.
		applyFields(u, gjson.GetBytes(data, "message.usage"),
			"input_tokens", "output_tokens",
			"cache_read_input_tokens", "cache_creation_input_tokens")
		applyFields(u, gjson.GetBytes(data, "usage"),
			"input_tokens", "output_tokens",
			"cache_read_input_tokens", "cache_creation_input_tokens")
		applyModel(u, data, "message.model", "model")
	case store.AppCodex:
		// Responses API nests under response.usage; chat completions use a
		// top-level usage with the prompt/completion naming.
		applyFields(u, gjson.GetBytes(data, "response.usage"),
			"input_tokens", "output_tokens",
			"input_tokens_details.cached_tokens", "")
		applyFields(u, gjson.GetBytes(data, "usage"),
			"input_tokens", "output_tokens",
			"input_tokens_details.cached_tokens", "")
		applyFields(u, gjson.GetBytes(data, "usage"),
			"prompt_tokens", "completion_tokens",
			"prompt_tokens_details.cached_tokens", "")
		applyModel(u, data, "response.model", "model")
	case store.AppGemini:
		applyFields(u, gjson.GetBytes(data, "usageMetadata"),
			"promptTokenCount", "candidatesTokenCount",
			"cachedContentTokenCount", "")
		applyModel(u, data, "modelVersion")
	}
}

// applyFields merges one usage object. Inputs and cache counts overwrite
// when positive; outputs take the maximum seen, since deltas repeat the
// running total.
func applyFields(u *TokenUsage, obj gjson.Result, inKey, outKey, readKey, writeKey string) {
	if !obj.Exists() {
		return
	}
	if v := obj.Get(inKey).Int(); v > 0 {
		u.InputTokens = v
	}
	if v := obj.Get(outKey).Int(); v > u.OutputTokens {
		u.OutputTokens = v
	}
	if readKey != "" {
		if v := obj.Get(readKey).Int(); v > 0 {
			u.CacheReadTokens = v
		}
	}
	if writeKey != "" {
		if v := obj.Get(writeKey).Int(); v > 0 {
			u.CacheWriteTokens = v
		}
	}
}

func applyModel(u *TokenUsage, data []byte, paths ...string) {
	for _, path := range paths {
		if m := gjson.GetBytes(data, path).String(); m != "" {
			u.Model = m
			return
		}
	}
}
