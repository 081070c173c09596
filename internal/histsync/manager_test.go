// ABOUTME: Tests for the sync manager: degraded mode, offline queueing,
// ABOUTME: per-conversation replay isolation, and local/remote search

package histsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatstate/internal/bridge"
	"github.com/2389/chatstate/internal/bus"
	"github.com/2389/chatstate/internal/conversation"
)

type syncFixture struct {
	manager *Manager
	conv    *conversation.Manager
	bridge  *bridge.MemoryBridge
	bus     *bus.Bus
}

func newSyncFixture(t *testing.T, convOpts conversation.Options) *syncFixture {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)
	br := bridge.NewMemoryBridge()
	cm := conversation.NewManager(convOpts, b, nil, nil)
	m := New(cm, br, b, Options{}, nil)
	t.Cleanup(m.Close)
	return &syncFixture{manager: m, conv: cm, bridge: br, bus: b}
}

func TestLoadInitialDataDegradedMode(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)

	require.NoError(t, f.manager.LoadInitialData(context.Background()))
	assert.False(t, f.manager.Online())
}

func TestLoadInitialDataPopulatesCache(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	for i := 0; i < 3; i++ {
		conv := &bridge.Conversation{ID: fmt.Sprintf("conv-%d", i), Title: fmt.Sprintf("Old %d", i)}
		require.NoError(t, f.bridge.SaveConversation(context.Background(), conv))
	}

	require.NoError(t, f.manager.LoadInitialData(context.Background()))
	assert.True(t, f.manager.Online())
	assert.Len(t, f.manager.Summaries(), 3)
}

func TestCreateAndAddMessageReachRemote(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})

	conv, res := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Remote"})
	assert.Equal(t, StatusRemote, res.Status)
	require.NoError(t, res.Err)

	msg, res := f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID,
		Role:           bridge.RoleUser,
		Content:        "hello there",
	})
	assert.Equal(t, StatusRemote, res.Status)
	assert.Equal(t, msg.ID, res.MessageID)

	stored, err := f.bridge.LoadConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)
	assert.Equal(t, "hello there", stored.Messages[0].Content)
}

func TestAddMessageWithoutConversationFails(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	_, res := f.manager.AddMessage(context.Background(), conversation.MessageInput{
		Role:    bridge.RoleUser,
		Content: "orphan",
	})
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, conversation.ErrNoActiveConversation)
}

func TestOfflineWritesQueueAndKeepLocalState(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)

	var queued []bus.SyncQueued
	f.bus.Subscribe(bus.TopicSyncQueued, func(e bus.EventRecord) {
		queued = append(queued, e.Payload.(bus.SyncQueued))
	})

	conv, res := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Offline"})
	assert.Equal(t, StatusQueued, res.Status)
	assert.ErrorIs(t, res.Err, bridge.ErrTransport)
	assert.False(t, f.manager.Online())

	_, res = f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID,
		Role:           bridge.RoleUser,
		Content:        "still works locally",
	})
	assert.Equal(t, StatusQueued, res.Status)

	// Local state is intact, nothing reached the store. The conversation, its
	// session entry, and the message all wait for replay.
	local, err := f.conv.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, local.Messages, 1)
	assert.Zero(t, f.bridge.ConversationCount())
	assert.Equal(t, 3, f.manager.PendingCount(conv.ID))
	require.Len(t, queued, 3)
	assert.Equal(t, string(OpSaveSession), queued[1].Operation)
	assert.Equal(t, 3, queued[2].QueueDepth)
}

func TestReconnectDrainsQueuesInOrder(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)

	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Backlog"})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleUser, Content: "first",
	})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleAssistant, Content: "second",
	})
	// Save, session entry, and two messages; session saves coalesce.
	require.Equal(t, 4, f.manager.PendingCount(conv.ID))

	f.bridge.SetOffline(false)
	f.manager.OnReconnect(context.Background())

	assert.True(t, f.manager.Online())
	assert.Zero(t, f.manager.PendingCount(conv.ID))
	stored, err := f.bridge.LoadConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)
	assert.Equal(t, "first", stored.Messages[0].Content)
}

func TestReplayFailureIsolatedPerConversation(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)

	convA, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "A"})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: convA.ID, Role: bridge.RoleUser, Content: "a1",
	})
	convB, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "B"})

	var replays []bus.SyncReplayed
	f.bus.Subscribe(bus.TopicSyncReplayed, func(e bus.EventRecord) {
		replays = append(replays, e.Payload.(bus.SyncReplayed))
	})

	f.bridge.SetOffline(false)
	f.bridge.FailConversation(convA.ID, true)
	f.manager.OnReconnect(context.Background())

	// A's queue is retained in full, B replayed anyway.
	assert.Equal(t, 3, f.manager.PendingCount(convA.ID))
	assert.Zero(t, f.manager.PendingCount(convB.ID))
	_, err := f.bridge.LoadConversation(context.Background(), convB.ID)
	assert.NoError(t, err)

	require.Len(t, replays, 2)
	assert.Equal(t, convA.ID, replays[0].ConversationID)
	assert.Equal(t, 1, replays[0].Failed)
	assert.Equal(t, convB.ID, replays[1].ConversationID)
	assert.Equal(t, 2, replays[1].Replayed)

	// Once A's store trouble clears, the retained queue drains clean.
	f.bridge.FailConversation(convA.ID, false)
	f.manager.OnReconnect(context.Background())
	assert.Zero(t, f.manager.PendingCount(convA.ID))
	stored, err := f.bridge.LoadConversation(context.Background(), convA.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)
}

func TestConnectivityRestoredEventTriggersDrain(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Event"})
	require.Equal(t, 2, f.manager.PendingCount(conv.ID))

	f.bridge.SetOffline(false)
	f.bus.Publish(bus.TopicConnectivityRestored, nil)

	assert.Zero(t, f.manager.PendingCount(conv.ID))
	assert.Equal(t, 1, f.bridge.ConversationCount())
}

func TestDeleteConversationDropsPendingWrites(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Doomed"})
	require.Equal(t, 2, f.manager.PendingCount(conv.ID))

	res := f.manager.DeleteConversation(context.Background(), conv.ID)
	assert.Equal(t, StatusQueued, res.Status)
	// Only the delete survives; the stale save and session writes were
	// dropped first.
	assert.Equal(t, 1, f.manager.PendingCount(conv.ID))

	f.bridge.SetOffline(false)
	f.manager.OnReconnect(context.Background())
	assert.Zero(t, f.manager.PendingCount(conv.ID))
	assert.Zero(t, f.bridge.ConversationCount())
}

func TestSearchLocalWorksOffline(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Terraform notes"})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleUser, Content: "how do I taint a terraform resource",
	})
	f.bridge.SetOffline(true)

	results, err := f.manager.Search(context.Background(), "terraform", ScopeLocal, 10)
	require.NoError(t, err)
	require.Len(t, results.Conversations, 1)
	require.Len(t, results.Messages, 1)
	assert.Contains(t, results.Messages[0].Snippet, "taint")
}

func TestSearchRemoteDelegatesAndReportsErrors(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Ansible"})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleUser, Content: "ansible playbook fails",
	})

	results, err := f.manager.Search(context.Background(), "ansible", ScopeRemote, 10)
	require.NoError(t, err)
	assert.Len(t, results.Conversations, 1)

	f.bridge.SetOffline(true)
	_, err = f.manager.Search(context.Background(), "ansible", ScopeRemote, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrTransport)
	assert.False(t, f.manager.Online())
}

func TestCompactionResavesAndReindexes(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{
		CompactionThreshold: 4,
		ContextWindow:       2,
	})
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Long chat"})

	for i := 0; i < 5; i++ {
		role := bridge.RoleUser
		if i%2 == 1 {
			role = bridge.RoleAssistant
		}
		f.manager.AddMessage(context.Background(), conversation.MessageInput{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("unique-marker-%d", i),
		})
	}

	local, err := f.conv.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, 3, len(local.Messages)) // summary + 2 recent

	// Compacted-away content left the index; surviving content still hits.
	gone, err := f.manager.Search(context.Background(), "unique-marker-0", ScopeLocal, 10)
	require.NoError(t, err)
	assert.Empty(t, gone.Messages)
	kept, err := f.manager.Search(context.Background(), "unique-marker-4", ScopeLocal, 10)
	require.NoError(t, err)
	assert.Len(t, kept.Messages, 1)

	stored, err := f.bridge.LoadConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 3)
}

func TestCreateConversationMirrorsSession(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})

	conv, res := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Tracked"})
	require.NoError(t, res.Err)

	sessions, err := f.bridge.ListSessions(context.Background(), bridge.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, conv.ID, sessions[0].ID)
	assert.Equal(t, "Tracked", sessions[0].Title)
	assert.True(t, sessions[0].IsActive)
}

func TestAddMessageRefreshesSessionMetadata(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Busy"})

	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleUser, Content: "ping",
	})
	f.manager.AddMessage(context.Background(), conversation.MessageInput{
		ConversationID: conv.ID, Role: bridge.RoleAssistant, Content: "pong",
	})

	sessions, err := f.bridge.ListSessions(context.Background(), bridge.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].MessageCount)
	assert.False(t, sessions[0].LastAccessed.IsZero())
}

func TestOfflineSessionWriteReplaysOnReconnect(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	f.bridge.SetOffline(true)
	conv, _ := f.manager.CreateConversation(context.Background(), conversation.CreateOptions{Title: "Late session"})

	f.bridge.SetOffline(false)
	f.manager.OnReconnect(context.Background())

	sessions, err := f.bridge.ListSessions(context.Background(), bridge.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, conv.ID, sessions[0].ID)
}

func TestLoadInitialDataRestoresActiveSessions(t *testing.T) {
	f := newSyncFixture(t, conversation.Options{})
	seeded := &bridge.Conversation{
		ID:    "conv-restored",
		Title: "Picked up where we left off",
		Messages: []*bridge.Message{
			{ID: "msg-1", Role: bridge.RoleUser, Content: "remember the kubeconfig path"},
		},
	}
	seeded.Meta.MessageCount = 1
	require.NoError(t, f.bridge.SaveConversation(context.Background(), seeded))
	_, err := f.bridge.CreateSession(context.Background(), &bridge.SessionMetadata{
		ID:           seeded.ID,
		Title:        seeded.Title,
		MessageCount: 1,
		IsActive:     true,
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.LoadInitialData(context.Background()))

	// The most-recent pointer survives the restart.
	conv, err := f.conv.ContinueLastSession()
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, conv.ID)
	assert.True(t, conv.Session.ContinuationMode)

	// Restored content is locally searchable without touching the bridge.
	f.bridge.SetOffline(true)
	results, err := f.manager.Search(context.Background(), "kubeconfig", ScopeLocal, 10)
	require.NoError(t, err)
	require.Len(t, results.Messages, 1)
	assert.Equal(t, "msg-1", results.Messages[0].MessageID)
}
