// Package memory keeps a rolling record of conversation exchanges per
// session, persisted alongside usage telemetry. Writes happen off the
// response path and are best effort.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

// Exchange is one request/reply pair within a session.
type Exchange struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Timestamp time.Time     `json:"timestamp"`
	AppType   store.AppType `json:"app"`
	Model     string        `json:"model"`
	UserText  string        `json:"user_text"`
	ReplyText string        `json:"reply_text"`
}

// Recorder stores and retrieves exchanges.
type Recorder interface {
	Record(ctx context.Context, ex Exchange) error
	BySession(ctx context.Context, sessionID string, limit int) ([]Exchange, error)
}

// SQLiteRecorder persists exchanges in the gateway database. It shares the
// store's handle so everything lives in one file.
type SQLiteRecorder struct {
	db *sql.DB
}

func NewSQLiteRecorder(db *sql.DB) *SQLiteRecorder {
	return &SQLiteRecorder{db: db}
}

func (r *SQLiteRecorder) Record(ctx context.Context, ex Exchange) error {
	if ex.ID == "" || ex.SessionID == "" {
		return fmt.Errorf("memory: exchange needs id and session id")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_exchanges (id, session_id, ts, app_type, model, user_text, reply_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.Timestamp.UnixMilli(), string(ex.AppType),
		ex.Model, ex.UserText, ex.ReplyText)
	if err != nil {
		return fmt.Errorf("memory: record exchange: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) BySession(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, ts, app_type, model, user_text, reply_text
		FROM memory_exchanges WHERE session_id = ?
		ORDER BY ts DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query session: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex  Exchange
			ts  int64
			app string
		)
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ts, &app, &ex.Model, &ex.UserText, &ex.ReplyText); err != nil {
			return nil, fmt.Errorf("memory: scan exchange: %w", err)
		}
		ex.Timestamp = time.UnixMilli(ts)
		ex.AppType = store.AppType(app)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// UserText pulls the latest user-authored text out of a request body. Each
// app nests its conversation differently; anything unrecognized yields "".
func UserText(app store.AppType, body []byte) string {
	switch app {
	case store.AppClaude:
		msg := gjson.GetBytes(body, `messages.@reverse.#(role=="user")`)
		if !msg.Exists() {
			msg = gjson.GetBytes(body, "messages.@reverse.0")
		}
		return contentText(msg.Get("content"))
	case store.AppCodex:
		// Responses API carries input; chat completions carry messages.
		if v := gjson.GetBytes(body, "input"); v.Exists() {
			if v.Type == gjson.String {
				return v.String()
			}
			return contentText(v.Get("@reverse.0.content"))
		}
		return contentText(gjson.GetBytes(body, "messages.@reverse.0.content"))
	case store.AppGemini:
		return contentText(gjson.GetBytes(body, "contents.@reverse.0.parts"))
	}
	return ""
}

// ReplyText pulls the assistant text out of a complete response body.
// Streamed replies are not reassembled.
func ReplyText(app store.AppType, body []byte) string {
	switch app {
	case store.AppClaude:
		return contentText(gjson.GetBytes(body, "content"))
	case store.AppCodex:
		if v := gjson.GetBytes(body, "choices.0.message.content"); v.Exists() {
			return v.String()
		}
		return contentText(gjson.GetBytes(body, "output.@reverse.0.content"))
	case store.AppGemini:
		return contentText(gjson.GetBytes(body, "candidates.0.content.parts"))
	}
	return ""
}

// contentText flattens a content value that may be a bare string or an
// array of typed blocks.
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		return ""
	}
	var out string
	for _, block := range v.Array() {
		if t := block.Get("text"); t.Exists() {
			if out != "" {
				out += "\n"
			}
			out += t.String()
		}
	}
	return out
}
