package completion

import "testing"

func TestTranscriptsResumeRoundTrip(t *testing.T) {
	tr := newTranscripts()

	history, id := tr.resume("")
	if len(history) != 0 || id == "" {
		t.Fatalf("fresh resume: history=%v id=%q", history, id)
	}

	tr.record(id, "what's for dinner", "pasta")
	history, again := tr.resume(id)
	if again != id {
		t.Fatalf("resume returned id %q, want %q", again, id)
	}
	if len(history) != 2 || history[0].role != "user" || history[1].content != "pasta" {
		t.Fatalf("history = %+v", history)
	}
}

func TestTranscriptsUnknownIDStartsFresh(t *testing.T) {
	tr := newTranscripts()
	history, id := tr.resume("never-seen")
	if len(history) != 0 {
		t.Fatalf("unknown id must start empty, got %+v", history)
	}
	if id == "never-seen" || id == "" {
		t.Fatalf("unknown id must be replaced, got %q", id)
	}
}
