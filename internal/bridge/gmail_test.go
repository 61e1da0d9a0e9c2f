package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coopco/msgbridge/internal/store"
)

func newTestGmailAdapter(t *testing.T, sink InboundSink) *GmailAdapter {
	t.Helper()
	if sink == nil {
		sink = func(string, NormalizedMessage) {}
	}
	cfg := &store.Bridge{
		ID:       "b1",
		Platform: store.PlatformGmail,
		Config:   `{"cliPath": "gmtool", "account": "me@example.com", "enabledServices": ["gmail", "calendar"]}`,
	}
	a, err := newGmailAdapter(cfg, &fakeSecrets{}, sink)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	return a.(*GmailAdapter)
}

func TestGmailPollNormalizesMessages(t *testing.T) {
	var got []NormalizedMessage
	a := newTestGmailAdapter(t, func(_ string, msg NormalizedMessage) {
		got = append(got, msg)
	})
	a.watermark = time.Now().Add(-time.Minute)
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(`[
			{"id": "m1", "threadId": "t1", "from": "alice@example.com", "fromName": "Alice",
			 "subject": "Lunch", "snippet": "are we still on?",
			 "attachments": [{"filename": "menu.pdf", "mimeType": "application/pdf", "size": 2048}]}
		]`), nil
	}

	a.poll(context.Background())

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	msg := got[0]
	if msg.Sender != "alice@example.com" || msg.SenderName != "Alice" {
		t.Errorf("sender = %q (%q)", msg.Sender, msg.SenderName)
	}
	if msg.Text != "Subject: Lunch\nare we still on?" {
		t.Errorf("text = %q", msg.Text)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Kind != AttachmentFile {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
	if msg.ChannelID != "t1" || msg.PlatformMessageID != "m1" {
		t.Errorf("ids = %q / %q", msg.ChannelID, msg.PlatformMessageID)
	}
}

// A failed poll must still advance the watermark so the same broken window is
// not re-requested forever.
func TestGmailPollAdvancesWatermarkOnFailure(t *testing.T) {
	a := newTestGmailAdapter(t, nil)
	old := time.Now().Add(-time.Hour)
	a.watermark = old
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, errors.New("auth expired")
	}

	a.poll(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.watermark.After(old) {
		t.Fatalf("watermark did not advance: %v", a.watermark)
	}
}

func TestGmailExecuteEnforcesAllowList(t *testing.T) {
	a := newTestGmailAdapter(t, nil)
	var gotArgs []string
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("3 events"), nil
	}

	out, err := a.Execute(context.Background(), "calendar", []string{"events", "--today"})
	if err != nil {
		t.Fatalf("allowed service failed: %v", err)
	}
	if out != "3 events" {
		t.Errorf("output = %q", out)
	}
	if len(gotArgs) != 3 || gotArgs[0] != "calendar" {
		t.Errorf("args = %v", gotArgs)
	}

	if _, err := a.Execute(context.Background(), "drive", []string{"ls"}); err == nil {
		t.Fatal("disabled service must be refused")
	}
}

// Healthy is read by the health prober from its own goroutine while lifecycle
// transitions write the flag; this only fails under the race detector.
func TestGmailHealthySafeUnderConcurrentStop(t *testing.T) {
	a := newTestGmailAdapter(t, nil)
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(`{}`), nil
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Healthy()
			}
		}()
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	wg.Wait()

	if a.Healthy() {
		t.Fatal("stopped adapter must report unhealthy")
	}
}

func TestGmailConfigValidation(t *testing.T) {
	cfg := &store.Bridge{ID: "b1", Platform: store.PlatformGmail, Config: `{"account": "me@example.com"}`}
	if _, err := newGmailAdapter(cfg, &fakeSecrets{}, nil); err == nil {
		t.Fatal("expected error for missing cliPath")
	}
}
