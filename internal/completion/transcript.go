package completion

import (
	"sync"

	"github.com/google/uuid"
)

type turn struct {
	role    string
	content string
}

// transcripts keeps per-session history for API backends whose services have
// no native resumption. Session ids are process-local: an unknown id simply
// starts a fresh transcript under a new id.
type transcripts struct {
	sessions map[string][]turn
	mu       sync.Mutex
}

func newTranscripts() *transcripts {
	return &transcripts{sessions: make(map[string][]turn)}
}

// resume returns the history for id and the id the caller should continue
// under. Empty or unknown ids get a fresh session.
func (t *transcripts) resume(id string) ([]turn, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != "" {
		if history, ok := t.sessions[id]; ok {
			out := make([]turn, len(history))
			copy(out, history)
			return out, id
		}
	}
	return nil, uuid.NewString()
}

// record appends a completed exchange to the session.
func (t *transcripts) record(id, userText, assistantText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = append(t.sessions[id],
		turn{role: "user", content: userText},
		turn{role: "assistant", content: assistantText})
}
