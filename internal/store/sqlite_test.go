// ABOUTME: Tests for the SQLite store
// ABOUTME: Covers conversation directory, message ordering, unread counters, and read watermarks

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestConversation(t *testing.T, s *SQLiteStore, participants ...string) *Conversation {
	t.Helper()
	conv, err := s.CreateOrGetConversation(context.Background(), participants, "")
	require.NoError(t, err)
	return conv
}

func TestCreateOrGetConversation_CreatesWithZeroUnread(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateOrGetConversation(ctx, []string{"alice", "bob"}, "vendor-1")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "vendor-1", conv.VendorID)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, UnreadCounts{"alice": 0, "bob": 0}, conv.Unread)
	assert.Empty(t, conv.LastMessagePreview)
	assert.True(t, conv.LastMessageAt.IsZero())
}

func TestCreateOrGetConversation_DeterministicLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.CreateOrGetConversation(ctx, []string{"alice", "bob"}, "vendor-1")
	require.NoError(t, err)

	// Same set, different order, same vendor - must reuse the conversation
	second, err := s.CreateOrGetConversation(ctx, []string{"bob", "alice"}, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Different vendor - separate conversation
	third, err := s.CreateOrGetConversation(ctx, []string{"alice", "bob"}, "vendor-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateOrGetConversation_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.CreateOrGetConversation(ctx, []string{"alice"}, "")
	assert.ErrorIs(t, err, ErrConversationInvalid)

	_, err = s.CreateOrGetConversation(ctx, []string{"alice", "alice"}, "")
	assert.ErrorIs(t, err, ErrConversationInvalid)

	_, err = s.CreateOrGetConversation(ctx, []string{"alice", ""}, "")
	assert.ErrorIs(t, err, ErrConversationInvalid)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsParticipant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	ok, err := s.IsParticipant(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsParticipant(ctx, conv.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.IsParticipant(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AppendMessage(ctx, conv.ID, "alice", "")
	assert.ErrorIs(t, err, ErrMessageInvalid)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", "   \n\t ")
	assert.ErrorIs(t, err, ErrMessageInvalid)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", strings.Repeat("x", DefaultMaxContentBytes+1))
	assert.ErrorIs(t, err, ErrMessageInvalid)
}

func TestAppendMessage_RejectsOutsiders(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AppendMessage(ctx, conv.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = s.AppendMessage(ctx, "missing", "alice", "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	// No state change from the rejected sends
	msgs, err := s.ListMessages(ctx, conv.ID, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendMessage_UpdatesDirectory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob", "carol")

	msg, err := s.AppendMessage(ctx, conv.ID, "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.True(t, msg.Read, "sender sees own message as read")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.LastMessagePreview)
	assert.False(t, got.LastMessageAt.IsZero())
	assert.Equal(t, UnreadCounts{"alice": 0, "bob": 1, "carol": 1}, got.Unread)
}

func TestAppendMessage_SenderUnreadResetsOnSend(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AppendMessage(ctx, conv.ID, "alice", "one")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", "two")
	require.NoError(t, err)

	// Bob has 2 unread; replying must zero them - the sender of the most
	// recent message always has unread 0.
	_, err = s.AppendMessage(ctx, conv.ID, "bob", "reply")
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, UnreadCounts{"alice": 1, "bob": 0}, got.Unread)
}

func TestAppendMessage_PreviewTruncated(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	long := strings.Repeat("a", PreviewRunes+50)
	_, err := s.AppendMessage(ctx, conv.ID, "alice", long)
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, []rune(got.LastMessagePreview), PreviewRunes)
}

func TestAppendMessage_ConcurrentAppendsGetDistinctSeqs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 0 {
				sender = "bob"
			}
			msg, err := s.AppendMessage(ctx, conv.ID, sender, fmt.Sprintf("msg %d", i))
			if err == nil {
				seqs <- msg.Seq
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	count := 0
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
		count++
	}
	require.Equal(t, n, count)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestListMessages_NewestFirstWithCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	for i := 1; i <= 5; i++ {
		_, err := s.AppendMessage(ctx, conv.ID, "alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	page, err := s.ListMessages(ctx, conv.ID, "", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	// Restart from cursor
	page, err = s.ListMessages(ctx, conv.ID, "", page[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(2), page[1].Seq)

	_, err = s.ListMessages(ctx, "missing", "", 0, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessages_ReadFlagsFollowWatermark(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AppendMessage(ctx, conv.ID, "alice", "one")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", "two")
	require.NoError(t, err)

	// Bob has read nothing
	msgs, err := s.ListMessages(ctx, conv.ID, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)

	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob"))

	msgs, err = s.ListMessages(ctx, conv.ID, "bob", 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read)
	}

	// Alice always sees her own messages as read
	msgs, err = s.ListMessages(ctx, conv.ID, "alice", 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read)
	}
}

func TestMarkRead_IdempotentAndZeroesUnread(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.AppendMessage(ctx, conv.ID, "alice", "hi")
	require.NoError(t, err)

	count, err := s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob"))
	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob")) // twice has the same effect

	count, err = s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMarkRead_RejectsOutsiders(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	err := s.MarkRead(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	err = s.MarkRead(ctx, "missing", "alice")
	assert.Error(t, err)
}

func TestUnreadCount_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.UnreadCount(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = s.UnreadCount(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations_OrderedByActivity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestConversation(t, s, "alice", "bob")
	second, err := s.CreateOrGetConversation(ctx, []string{"alice", "carol"}, "")
	require.NoError(t, err)

	// Activity in first makes it most recent
	_, err = s.AppendMessage(ctx, second.ID, "carol", "early")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, first.ID, "bob", "late")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)

	// Bob only sees his conversation
	convs, err = s.ListConversations(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].ID)
}
