package broadcast_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/broadcast"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func TestBroadcastAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	for i := 0; i < 5; i++ {
		_, err := l.Broadcast(ctx, "swift-otter", "hello")
		require.NoError(t, err)
	}

	msgs, err := l.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.EqualValues(t, i+1, m.Seq)
	}
}

func TestConcurrentBroadcastsNeverShareSeq(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Broadcast(ctx, "swift-otter", "x")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := l.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	seen := map[int64]bool{}
	var prev int64
	for _, m := range msgs {
		require.False(t, seen[m.Seq])
		seen[m.Seq] = true
		require.Greater(t, m.Seq, prev)
		prev = m.Seq
	}
}

func TestMentionExtractedAtWriteTime(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	msg, err := l.Broadcast(ctx, "swift-otter", "ping @calm-heron please review")
	require.NoError(t, err)
	require.Equal(t, "calm-heron", msg.Mention)

	msgs, err := l.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, "calm-heron", msgs[0].Mention)
}

func TestExtractMentionFirstMatchOnly(t *testing.T) {
	require.Equal(t, "a_b-1", broadcast.ExtractMention("@a_b-1 and @second"))
	require.Equal(t, "", broadcast.ExtractMention("no mentions here"))
}

func TestSinceSeqAndLimitWindow(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	for i := 0; i < 6; i++ {
		_, err := l.Broadcast(ctx, "a", "m")
		require.NoError(t, err)
	}

	msgs, err := l.GetMessages(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.EqualValues(t, 3, msgs[0].Seq)
	require.EqualValues(t, 4, msgs[1].Seq)
}

func TestDirectMessagesLandInRecipientInbox(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	_, err := l.SendDirect(ctx, "swift-otter", "calm-heron", "psst")
	require.NoError(t, err)

	inbox, err := l.GetInbox(ctx, "calm-heron", 0, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, model.MessageDirect, inbox[0].Type)
	require.Equal(t, "calm-heron", inbox[0].Mention)

	other, err := l.GetInbox(ctx, "swift-otter", 0, 0)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestEventSeqIsIndependentOfMessageSeq(t *testing.T) {
	ctx := context.Background()
	l := broadcast.New(memstore.New(), nil)

	// Each broadcast records one broadcast event; an explicit extra event
	// advances only the event counter.
	_, err := l.Broadcast(ctx, "a", "m")
	require.NoError(t, err)
	require.NoError(t, l.RecordEvent(ctx, model.EventTaskClaim, "a", map[string]any{"task_id": "T1"}))

	msgs, err := l.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.EqualValues(t, 1, msgs[0].Seq)

	events, err := l.GetEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 1, events[0].Seq)
	require.Equal(t, model.EventBroadcast, events[0].Type)
	require.EqualValues(t, 2, events[1].Seq)
	require.Equal(t, model.EventTaskClaim, events[1].Type)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []model.Message
	events   []model.Event
}

func (r *recordingNotifier) NotifyMessage(m model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recordingNotifier) NotifyEvent(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestNotifierReceivesEveryWrite(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	l := broadcast.New(memstore.New(), n)

	_, err := l.Broadcast(ctx, "a", "m")
	require.NoError(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.messages, 1)
	require.Len(t, n.events, 1)
}
