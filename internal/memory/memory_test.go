package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

func TestUserText(t *testing.T) {
	tests := []struct {
		name string
		app  store.AppType
		body string
		want string
	}{
		{
			name: "claude string content",
			app:  store.AppClaude,
			body: `{"messages":[{"role":"assistant","content":"earlier"},{"role":"user","content":"latest question"}]}`,
			want: "latest question",
		},
		{
			name: "claude block content",
			app:  store.AppClaude,
			body: `{"messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`,
			want: "part one\npart two",
		},
		{
			name: "claude picks last user turn",
			app:  store.AppClaude,
			body: `{"messages":[{"role":"user","content":"old"},{"role":"assistant","content":"mid"},{"role":"user","content":"new"}]}`,
			want: "new",
		},
		{
			name: "codex chat completions",
			app:  store.AppCodex,
			body: `{"messages":[{"role":"user","content":"hello codex"}]}`,
			want: "hello codex",
		},
		{
			name: "codex responses string input",
			app:  store.AppCodex,
			body: `{"input":"plain prompt"}`,
			want: "plain prompt",
		},
		{
			name: "gemini parts",
			app:  store.AppGemini,
			body: `{"contents":[{"role":"user","parts":[{"text":"gemini prompt"}]}]}`,
			want: "gemini prompt",
		},
		{
			name: "unrecognized body",
			app:  store.AppClaude,
			body: `{"something":"else"}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserText(tt.app, []byte(tt.body)))
		})
	}
}

func TestReplyText(t *testing.T) {
	tests := []struct {
		name string
		app  store.AppType
		body string
		want string
	}{
		{
			name: "claude content blocks",
			app:  store.AppClaude,
			body: `{"content":[{"type":"text","text":"the answer"}]}`,
			want: "the answer",
		},
		{
			name: "codex chat completion",
			app:  store.AppCodex,
			body: `{"choices":[{"message":{"role":"assistant","content":"done"}}]}`,
			want: "done",
		},
		{
			name: "codex responses output",
			app:  store.AppCodex,
			body: `{"output":[{"type":"message","content":[{"type":"output_text","text":"resp"}]}]}`,
			want: "resp",
		},
		{
			name: "gemini candidate",
			app:  store.AppGemini,
			body: `{"candidates":[{"content":{"parts":[{"text":"gemini says"}]}}]}`,
			want: "gemini says",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReplyText(tt.app, []byte(tt.body)))
		})
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	defer st.Close()

	r := NewSQLiteRecorder(st.DB())
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(ctx, Exchange{
			ID:        uuid.NewString(),
			SessionID: "s1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			AppType:   store.AppClaude,
			Model:     "claude-sonnet-4",
			UserText:  "q",
			ReplyText: "a",
		}))
	}
	require.NoError(t, r.Record(ctx, Exchange{
		ID: uuid.NewString(), SessionID: "other", Timestamp: base, AppType: store.AppCodex,
	}))

	exchanges, err := r.BySession(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.True(t, exchanges[0].Timestamp.After(exchanges[1].Timestamp), "newest first")
	assert.Equal(t, "s1", exchanges[0].SessionID)

	none, err := r.BySession(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordValidation(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	defer st.Close()

	r := NewSQLiteRecorder(st.DB())
	assert.Error(t, r.Record(context.Background(), Exchange{SessionID: "s"}))
	assert.Error(t, r.Record(context.Background(), Exchange{ID: "x"}))
}
