package proxy

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

// SessionID identifies one CLI conversation so usage rows and memory
// exchanges can be grouped. Sources in precedence order: an explicit
// x-session-id header, an app-specific field inside the request body, and
// finally a fresh UUID for clients that carry nothing.
type SessionID struct {
	ID             string
	Source         string
	ClientProvided bool
}

func extractSessionID(h http.Header, body []byte, app store.AppType) SessionID {
	if v := h.Get("x-session-id"); v != "" {
		return SessionID{ID: v, Source: "header", ClientProvided: true}
	}

	var paths []string
	switch app {
	case store.AppClaude:
		paths = []string{"metadata.user_id"}
	case store.AppCodex:
		paths = []string{"session_id", "prompt_cache_key"}
	}
	for _, path := range paths {
		if v := gjson.GetBytes(body, path).String(); v != "" {
			return SessionID{ID: v, Source: "body:" + path, ClientProvided: true}
		}
	}

	return SessionID{ID: uuid.NewString(), Source: "generated"}
}
