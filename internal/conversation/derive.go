package conversation

import (
	"reflect"
	"time"
)

// Derive builds a Snapshot from a feed. Feed order is preserved for both the
// user list and each conversation's messages.
func Derive(businessNumber string, chats []Chat) Snapshot {
	snap := Snapshot{
		BusinessNumber: businessNumber,
		Users:          make([]UserSummary, 0, len(chats)),
		Conversations:  make(map[string]Conversation, len(chats)),
	}
	for _, c := range chats {
		snap.Users = append(snap.Users, summarize(c))
		snap.Conversations[c.WaID] = Conversation{
			ID:           c.WaID,
			Messages:     flatten(c.Messages),
			ResponseMode: c.ResponseMode,
			Alert:        c.Alert,
		}
	}
	return snap
}

// summarize takes the last turn's reply, falling back to its inbound side
// for whichever of message and time the reply leaves empty.
func summarize(c Chat) UserSummary {
	u := UserSummary{ID: c.WaID, Alert: c.Alert}
	if len(c.Messages) == 0 {
		return u
	}
	last := c.Messages[len(c.Messages)-1]
	for _, s := range []*Slot{last.Response, last.User} {
		if s == nil {
			continue
		}
		if u.Message == "" {
			u.Message = s.Message
		}
		if u.Time.IsZero() {
			u.Time = normalize(s.Timestamp.Time)
		}
	}
	return u
}

// flatten expands turns into user-then-response order, skipping absent sides.
func flatten(turns []Turn) []Message {
	msgs := make([]Message, 0, 2*len(turns))
	for _, t := range turns {
		if t.User != nil {
			msgs = append(msgs, Message{Text: t.User.Message, Timestamp: normalize(t.User.Timestamp.Time), Direction: Inbound})
		}
		if t.Response != nil {
			msgs = append(msgs, Message{Text: t.Response.Message, Timestamp: normalize(t.Response.Timestamp.Time), Direction: Outbound})
		}
	}
	return msgs
}

// normalize strips location and monotonic data so snapshots compare by value.
func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

// Diff reports which parts of next differ from prev.
type Diff struct {
	Users    bool
	Messages bool
	Modes    bool
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool { return d.Users || d.Messages || d.Modes }

// Compare diffs two snapshots structurally. Users, message histories and
// response modes are compared separately.
func Compare(prev, next Snapshot) Diff {
	return Diff{
		Users:    !reflect.DeepEqual(prev.Users, next.Users),
		Messages: !reflect.DeepEqual(messageMap(prev), messageMap(next)),
		Modes:    !reflect.DeepEqual(modeMap(prev), modeMap(next)),
	}
}

func messageMap(s Snapshot) map[string][]Message {
	m := make(map[string][]Message, len(s.Conversations))
	for id, c := range s.Conversations {
		m[id] = c.Messages
	}
	return m
}

func modeMap(s Snapshot) map[string]ResponseMode {
	m := make(map[string]ResponseMode, len(s.Conversations))
	for id, c := range s.Conversations {
		m[id] = c.ResponseMode
	}
	return m
}

// AlertsRaised returns the ids, in user-list order, whose alert went from
// false (or absent) in prev to true in next.
func AlertsRaised(prev, next Snapshot) []string {
	var ids []string
	for _, u := range next.Users {
		c, ok := next.Conversations[u.ID]
		if !ok || !c.Alert {
			continue
		}
		if p, seen := prev.Conversations[u.ID]; seen && p.Alert {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}
