package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coopco/msgbridge/internal/store"
)

func TestCompositeRecipient(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+15551234567", "iMessage;-;+15551234567"},
		{"user@example.com", "iMessage;-;user@example.com"},
		{"SMS;-;+15551234567", "SMS;-;+15551234567"},
		{"iMessage;-;+15551234567", "iMessage;-;+15551234567"},
	}
	for _, tc := range cases {
		if got := compositeRecipient(tc.in); got != tc.want {
			t.Errorf("compositeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIMessageParseEvent(t *testing.T) {
	a := &IMessageAdapter{bridgeID: "b1"}

	msg, ok := a.parseEvent([]byte(`{
		"guid": "g-1", "sender": "+15551234567", "sender_name": "Bob",
		"chat_id": "chat-9", "text": "on my way",
		"attachments": [{"filename": "pic.heic", "mime_type": "image/heic", "path": "/tmp/pic.heic", "size": 1024}]
	}`))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if msg.Platform != store.PlatformIMessage || msg.Sender != "+15551234567" || msg.Text != "on my way" {
		t.Fatalf("unexpected normalization: %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Kind != AttachmentImage {
		t.Fatalf("unexpected attachments: %+v", msg.Attachments)
	}
	if msg.PlatformMessageID != "g-1" || msg.ChannelID != "chat-9" {
		t.Fatalf("ids not carried: %+v", msg)
	}
}

func TestIMessageParseEventRejects(t *testing.T) {
	a := &IMessageAdapter{bridgeID: "b1"}
	cases := []string{
		`{broken json`,
		`{"sender": "+1555", "text": "mine", "is_from_me": true}`,
		`{"text": "no sender"}`,
		`{"sender": "+1555"}`,
	}
	for _, raw := range cases {
		if _, ok := a.parseEvent([]byte(raw)); ok {
			t.Errorf("parseEvent(%q) should be rejected", raw)
		}
	}
}

// TestReadEventsBuffersPartialLines writes a JSON event split across chunk
// boundaries and checks nothing is lost or duplicated.
func TestReadEventsBuffersPartialLines(t *testing.T) {
	var mu sync.Mutex
	var got []NormalizedMessage
	a := &IMessageAdapter{
		bridgeID: "b1",
		sink: func(_ string, msg NormalizedMessage) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		},
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		a.readEvents(pr)
		close(done)
	}()

	chunks := []string{
		`{"guid": "g-1", "sender": "+1555", "te`,
		`xt": "first"}` + "\n" + `{"guid": "g-2", "sen`,
		`der": "+1555", "text": "second"}` + "\n",
		"malformed line\n",
		`{"guid": "g-3", "sender": "+1555", "text": "third"}` + "\n",
	}
	for _, chunk := range chunks {
		if _, err := pw.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readEvents did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Text != want {
			t.Errorf("event %d text = %q, want %q", i, got[i].Text, want)
		}
	}
}

// Remote mode generates its own webhook secret on first start, persists it
// under the bridge's webhook-secret key, registers it with the companion
// server, and reuses the stored value on later starts.
func TestIMessageRemoteStartPersistsWebhookSecret(t *testing.T) {
	var mu sync.Mutex
	registered := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhooks/register" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Bridge-Password") != "hunter2" {
			http.Error(w, "bad password", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &registered)
		mu.Unlock()
	}))
	defer srv.Close()

	secrets := &fakeSecrets{values: map[string]string{"imessage.password": "hunter2"}}
	cfg := &store.Bridge{
		ID:       "im1",
		Platform: store.PlatformIMessage,
		Config: fmt.Sprintf(`{"mode": "remote", "serverUrl": %q,
			"passwordSecret": "imessage.password", "publicUrl": "https://bridge.example.com"}`, srv.URL),
	}

	a, err := newIMessageAdapter(cfg, secrets, nil)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stored, err := secrets.GetSecret(WebhookSecretKey("im1"))
	if err != nil {
		t.Fatalf("webhook secret not persisted: %v", err)
	}
	if stored == "" || stored == "hunter2" {
		t.Fatalf("stored secret = %q, want a generated value distinct from the password", stored)
	}
	if got := a.(*IMessageAdapter).WebhookSecret(); got != stored {
		t.Fatalf("WebhookSecret() = %q, stored %q", got, stored)
	}

	mu.Lock()
	if registered["webhook_secret"] != stored {
		t.Fatalf("companion got secret %q, want %q", registered["webhook_secret"], stored)
	}
	if registered["webhook_url"] != "https://bridge.example.com/webhook/imessage/im1" {
		t.Fatalf("webhook url = %q", registered["webhook_url"])
	}
	mu.Unlock()

	// A later start must reuse the persisted secret, not mint a new one.
	b, err := newIMessageAdapter(cfg, secrets, nil)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if got := b.(*IMessageAdapter).WebhookSecret(); got != stored {
		t.Fatalf("second start secret = %q, want %q", got, stored)
	}
}

func TestIMessageConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		config string
		ok     bool
	}{
		{"local defaults", `{"mode": "local"}`, true},
		{"remote complete", `{"mode": "remote", "serverUrl": "http://mac.local:3000",
			"passwordSecret": "imessage.password", "publicUrl": "https://bridge.example.com"}`, true},
		{"remote missing server", `{"mode": "remote", "passwordSecret": "p", "publicUrl": "u"}`, false},
		{"unknown mode", `{"mode": "carrier-pigeon"}`, false},
		{"missing mode", `{}`, false},
	}
	for _, tc := range cases {
		cfg := &store.Bridge{ID: "b1", Platform: store.PlatformIMessage, Config: tc.config}
		_, err := newIMessageAdapter(cfg, &fakeSecrets{}, nil)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
