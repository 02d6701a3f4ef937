// Package broadcast implements the ordered broadcast log and the
// persisted event audit log: monotonic message/event sequencing via
// internal/seqcounter, mention extraction at write time, and
// direct-message inboxing.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/seqcounter"
	"github.com/rakunlabs/masc/internal/storage"
)

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

const (
	messageKeyPrefix = "messages:"
	eventKeyPrefix   = "events:"
	inboxKeyPrefix   = "inbox:"
)

func messageKey(seq int64) string { return fmt.Sprintf("%s%06d", messageKeyPrefix, seq) }
func eventKey(seq int64) string   { return fmt.Sprintf("%s%06d", eventKeyPrefix, seq) }
func inboxKey(to string, seq int64) string {
	return fmt.Sprintf("%s%s:%06d", inboxKeyPrefix, to, seq)
}

// ExtractMention returns the first @name match in content, or "".
func ExtractMention(content string) string {
	m := mentionRe.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Notifier receives every persisted event and message so higher layers
// (internal/pubsub) can fan it out to in-process subscribers.
type Notifier interface {
	NotifyMessage(model.Message)
	NotifyEvent(model.Event)
}

type Log struct {
	store      storage.Store
	messageSeq *seqcounter.Counter
	eventSeq   *seqcounter.Counter
	notifier   Notifier
}

func New(store storage.Store, notifier Notifier) *Log {
	return &Log{
		store:      store,
		messageSeq: seqcounter.New(store, "counters:message_seq"),
		eventSeq:   seqcounter.New(store, "counters:event_seq"),
		notifier:   notifier,
	}
}

// Broadcast appends a room-wide message, records an audit event, publishes
// it on the "messages" channel, and fans it out to in-process subscribers.
func (l *Log) Broadcast(ctx context.Context, from, content string) (*model.Message, error) {
	return l.write(ctx, from, content, model.MessageBroadcast, "")
}

// SendDirect appends a message addressed to a specific recipient and
// additionally indexes it in that recipient's inbox.
func (l *Log) SendDirect(ctx context.Context, from, to, content string) (*model.Message, error) {
	msg, err := l.write(ctx, from, content, model.MessageDirect, to)
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(msg)
	if err := l.store.Set(ctx, inboxKey(to, msg.Seq), string(b)); err != nil {
		return nil, mascerr.ErrOperationFailed("send_direct", err)
	}
	return msg, nil
}

func (l *Log) write(ctx context.Context, from, content string, typ model.MessageType, mentionOverride string) (*model.Message, error) {
	seq := l.messageSeq.Next(ctx)
	mention := mentionOverride
	if mention == "" {
		mention = ExtractMention(content)
	}
	msg := model.Message{
		Seq:       seq,
		From:      from,
		Type:      typ,
		Content:   content,
		Mention:   mention,
		Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("broadcast", err)
	}
	if err := l.store.Set(ctx, messageKey(seq), string(b)); err != nil {
		return nil, mascerr.ErrOperationFailed("broadcast", err)
	}
	if _, err := l.store.Publish(ctx, "messages", string(b)); err != nil && !mascerr.Is(err, mascerr.BackendNotSupported) {
		return nil, mascerr.ErrOperationFailed("broadcast", err)
	}
	l.mirrorSeq(ctx, seq, func(rs *model.RoomState) *int64 { return &rs.MessageSeq })
	if l.notifier != nil {
		l.notifier.NotifyMessage(msg)
	}
	if err := l.recordEvent(ctx, model.EventBroadcast, from, map[string]any{"seq": seq}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (l *Log) recordEvent(ctx context.Context, typ model.EventType, agent string, payload map[string]any) error {
	seq := l.eventSeq.Next(ctx)
	ev := model.Event{Seq: seq, Type: typ, Agent: agent, Payload: types.Map(payload), Timestamp: time.Now().UTC()}
	b, err := json.Marshal(ev)
	if err != nil {
		return mascerr.ErrOperationFailed("record_event", err)
	}
	if err := l.store.Set(ctx, eventKey(seq), string(b)); err != nil {
		return mascerr.ErrOperationFailed("record_event", err)
	}
	if l.notifier != nil {
		l.notifier.NotifyEvent(ev)
	}
	l.mirrorSeq(ctx, seq, func(rs *model.RoomState) *int64 { return &rs.EventSeq })
	return nil
}

// mirrorSeq advances the advisory counter field on the room-state document
// to at least seq. Best effort: the counters allocated above are
// authoritative, so a miss here — room not initialized yet, CAS contention
// exhausted — is ignored.
func (l *Log) mirrorSeq(ctx context.Context, seq int64, field func(*model.RoomState) *int64) {
	_ = l.store.AtomicUpdate(ctx, "state", func(cur string, ok bool) (string, error) {
		if !ok {
			return "", mascerr.ErrNotInitialized()
		}
		var rs model.RoomState
		if err := json.Unmarshal([]byte(cur), &rs); err != nil {
			return "", mascerr.ErrOperationFailed("mirror_seq", err)
		}
		f := field(&rs)
		if *f >= seq {
			return cur, nil
		}
		*f = seq
		b, err := json.Marshal(rs)
		if err != nil {
			return "", mascerr.ErrOperationFailed("mirror_seq", err)
		}
		return string(b), nil
	})
}

// RecordEvent exposes event recording to other engines (registry,
// task, lock) so every state transition gets one audit entry.
func (l *Log) RecordEvent(ctx context.Context, typ model.EventType, agent string, payload map[string]any) error {
	return l.recordEvent(ctx, typ, agent, payload)
}

// GetMessages returns messages with seq > sinceSeq, oldest first, capped at
// limit (0 means unlimited).
func (l *Log) GetMessages(ctx context.Context, sinceSeq int64, limit int) ([]model.Message, error) {
	rows, err := l.store.GetAll(ctx, messageKeyPrefix)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("get_messages", err)
	}
	return decodeMessages(rows, sinceSeq, limit)
}

// GetInbox returns direct messages addressed to `to` with seq > sinceSeq.
func (l *Log) GetInbox(ctx context.Context, to string, sinceSeq int64, limit int) ([]model.Message, error) {
	rows, err := l.store.GetAll(ctx, inboxKeyPrefix+to+":")
	if err != nil {
		return nil, mascerr.ErrOperationFailed("get_messages", err)
	}
	return decodeMessages(rows, sinceSeq, limit)
}

func decodeMessages(rows []storage.KV, sinceSeq int64, limit int) ([]model.Message, error) {
	out := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		var m model.Message
		if err := json.Unmarshal([]byte(row.Value), &m); err != nil {
			continue
		}
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEvents returns audit events with seq > sinceSeq, oldest first.
func (l *Log) GetEvents(ctx context.Context, sinceSeq int64, limit int) ([]model.Event, error) {
	rows, err := l.store.GetAll(ctx, eventKeyPrefix)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("get_events", err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		if !strings.HasPrefix(row.Key, eventKeyPrefix) {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(row.Value), &ev); err != nil {
			continue
		}
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
