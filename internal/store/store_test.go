package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBridgeCRUD(t *testing.T) {
	s := openTestStore(t)

	b := &Bridge{
		Platform: PlatformTelegram,
		Name:     "family telegram",
		Enabled:  true,
		Config:   `{"token_secret":"bridge.b1.token"}`,
	}
	require.NoError(t, s.CreateBridge(b))
	require.NotEmpty(t, b.ID, "an id should be generated")

	got, err := s.GetBridge(b.ID)
	require.NoError(t, err)
	assert.Equal(t, PlatformTelegram, got.Platform)
	assert.Equal(t, "family telegram", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, HealthDisconnected, got.HealthStatus)
	assert.Equal(t, b.Config, got.Config)

	require.NoError(t, s.SetBridgeEnabled(b.ID, false))
	got, err = s.GetBridge(b.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.SetBridgeHealth(b.ID, HealthError, "token rejected"))
	got, err = s.GetBridge(b.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthError, got.HealthStatus)
	assert.Equal(t, "token rejected", got.HealthMessage)
	assert.False(t, got.HealthCheckedAt.IsZero())

	require.NoError(t, s.DeleteBridge(b.ID))
	_, err = s.GetBridge(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBridgeMissingRowsReturnNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetBridge("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetBridgeEnabled("nope", true), ErrNotFound)
	assert.ErrorIs(t, s.SetBridgeHealth("nope", HealthConnected, ""), ErrNotFound)
	assert.ErrorIs(t, s.DeleteBridge("nope"), ErrNotFound)
}

func TestListBridgesEnabledOnly(t *testing.T) {
	s := openTestStore(t)

	on := &Bridge{Platform: PlatformDiscord, Name: "on", Enabled: true}
	off := &Bridge{Platform: PlatformGmail, Name: "off"}
	require.NoError(t, s.CreateBridge(on))
	require.NoError(t, s.CreateBridge(off))

	all, err := s.ListBridges(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListBridges(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, on.ID, enabled[0].ID)
}

func TestAddBridgeSecretKey(t *testing.T) {
	s := openTestStore(t)

	b := &Bridge{Platform: PlatformIMessage, Name: "imsg"}
	require.NoError(t, s.CreateBridge(b))

	require.NoError(t, s.AddBridgeSecretKey(b.ID, "bridge.x.password"))
	require.NoError(t, s.AddBridgeSecretKey(b.ID, "bridge.x.password")) // no duplicate
	require.NoError(t, s.AddBridgeSecretKey(b.ID, "bridge.x.webhook_secret"))

	got, err := s.GetBridge(b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bridge.x.password", "bridge.x.webhook_secret"}, got.SecretKeys)
}

func TestMessageLifecycle(t *testing.T) {
	s := openTestStore(t)

	m := &BridgeMessage{
		BridgeID:  "b1",
		Direction: DirectionOutbound,
		Platform:  PlatformTelegram,
		Content:   "on my way",
		Status:    StatusPending,
	}
	require.NoError(t, s.InsertMessage(m))

	require.NoError(t, s.UpdateMessageStatus(m.ID, StatusSent, "tg-99", ""))
	got, err := s.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "tg-99", got.PlatformMessageID)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, s.UpdateMessageStatus(m.ID, StatusFailed, "", "chat not found"))
	got, err = s.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "chat not found", got.Error)
	assert.Equal(t, 2, got.Attempts)
}

func TestListMessagesNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.InsertMessage(&BridgeMessage{
			ID:        "msg-" + text,
			BridgeID:  "b1",
			Direction: DirectionInbound,
			Platform:  PlatformDiscord,
			Content:   text,
			Status:    StatusDelivered,
		}))
	}
	require.NoError(t, s.InsertMessage(&BridgeMessage{
		BridgeID:  "other",
		Direction: DirectionInbound,
		Platform:  PlatformDiscord,
		Content:   "unrelated",
		Status:    StatusDelivered,
	}))

	msgs, err := s.ListMessages("b1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// created_at has second granularity in SQLite, so assert membership
	// rather than exact order of same-instant rows.
	for _, m := range msgs {
		assert.Equal(t, "b1", m.BridgeID)
	}
}

func TestMainConversationSingleton(t *testing.T) {
	s := openTestStore(t)

	first, err := s.MainConversation()
	require.NoError(t, err)
	assert.True(t, first.IsMain)
	assert.Equal(t, ConversationIdle, first.Status)

	second, err := s.MainConversation()
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "repeated calls must return the same row")
}

func TestConversationTurnAccounting(t *testing.T) {
	s := openTestStore(t)

	conv, err := s.MainConversation()
	require.NoError(t, err)

	require.NoError(t, s.SetConversationStatus(conv.ID, ConversationStreaming))
	got, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationStreaming, got.Status)

	require.NoError(t, s.FinishConversationTurn(conv.ID, "sess-1", 0.02, 2))
	require.NoError(t, s.FinishConversationTurn(conv.ID, "sess-2", 0.03, 2))
	got, err = s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationIdle, got.Status)
	assert.Equal(t, "sess-2", got.SessionID)
	assert.InDelta(t, 0.05, got.TotalCostUSD, 1e-9)
	assert.Equal(t, 4, got.MessageCount)

	require.NoError(t, s.ResetConversationSession(conv.ID))
	got, err = s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionID)
}

func TestConversationMessagesAppendOnly(t *testing.T) {
	s := openTestStore(t)

	conv, err := s.MainConversation()
	require.NoError(t, err)

	require.NoError(t, s.AppendConversationMessage(&ConversationMessage{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        `[{"type":"text","text":"hi"}]`,
		Source:         PlatformTelegram,
	}))
	require.NoError(t, s.AppendConversationMessage(&ConversationMessage{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        `[{"type":"text","text":"hello"}]`,
		CostUSD:        0.01,
		DurationMS:     800,
	}))

	turns, err := s.ListConversationMessages(conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, PlatformTelegram, turns[0].Source)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.InDelta(t, 0.01, turns[1].CostUSD, 1e-9)
}

func TestSecretsUpsert(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSecret("bridge.b1.token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSecret("bridge.b1.token", "abc"))
	require.NoError(t, s.SetSecret("bridge.b1.token", "xyz"))
	v, err := s.GetSecret("bridge.b1.token")
	require.NoError(t, err)
	assert.Equal(t, "xyz", v)

	require.NoError(t, s.DeleteSecret("bridge.b1.token"))
	require.NoError(t, s.DeleteSecret("bridge.b1.token")) // idempotent
	_, err = s.GetSecret("bridge.b1.token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageTotals(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordUsage(&UsageRecord{SessionID: "s1", Backend: "cli", CostUSD: 0.10, NumTurns: 2}))
	require.NoError(t, s.RecordUsage(&UsageRecord{SessionID: "s2", Backend: "openai", CostUSD: 0.25, InputTokens: 500}))

	total, err := s.TotalCost()
	require.NoError(t, err)
	assert.InDelta(t, 0.35, total, 1e-9)
}
