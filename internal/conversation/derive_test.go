package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	t2 = t1.Add(45 * time.Second)
	t3 = t2.Add(10 * time.Minute)
)

func slot(msg string, at time.Time) *Slot {
	return &Slot{Message: msg, Timestamp: At(at)}
}

func sampleChats() []Chat {
	return []Chat{
		{
			WaID:         "5511999990000",
			ResponseMode: ModeAuto,
			Messages: []Turn{
				{User: slot("hola", t1), Response: slot("hi! how can I help?", t2)},
				{User: slot("what are your hours?", t3)},
			},
		},
		{WaID: "447700900123", Alert: true, ResponseMode: ModeManual},
	}
}

func TestDerive_InboundThenOutbound(t *testing.T) {
	snap := Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{User: slot("question", t1), Response: slot("answer", t2)}},
	}})

	assert.Equal(t, []Message{
		{Text: "question", Timestamp: t1, Direction: Inbound},
		{Text: "answer", Timestamp: t2, Direction: Outbound},
	}, snap.Conversations["1"].Messages)
}

func TestDerive_Summaries(t *testing.T) {
	snap := Derive("15551008641", sampleChats())

	assert.Equal(t, "15551008641", snap.BusinessNumber)
	require.Len(t, snap.Users, 2)
	// Last turn has no reply, so the inbound side is the latest.
	assert.Equal(t, UserSummary{ID: "5511999990000", Message: "what are your hours?", Time: t3}, snap.Users[0])
	// No messages: present with empty message and time.
	assert.Equal(t, UserSummary{ID: "447700900123", Alert: true}, snap.Users[1])

	c := snap.Conversations["447700900123"]
	assert.Empty(t, c.Messages)
	assert.NotNil(t, c.Messages)
	assert.True(t, c.Alert)
	assert.Equal(t, ModeManual, c.ResponseMode)
}

func TestDerive_SummaryPrefersResponse(t *testing.T) {
	snap := Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{User: slot("q", t1), Response: slot("a", t2)}},
	}})
	assert.Equal(t, "a", snap.Users[0].Message)
	assert.Equal(t, t2, snap.Users[0].Time)

	// A turn still awaiting its reply carries an empty response slot.
	snap = Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{User: slot("hola", t1), Response: &Slot{}}},
	}})
	assert.Equal(t, "hola", snap.Users[0].Message)
	assert.Equal(t, t1, snap.Users[0].Time)

	// Message and time fall back independently.
	snap = Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{User: slot("q", t1), Response: &Slot{Message: "a"}}},
	}})
	assert.Equal(t, "a", snap.Users[0].Message)
	assert.Equal(t, t1, snap.Users[0].Time)
}

func TestDerive_AbsentSlotsOmitted(t *testing.T) {
	snap := Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{Response: slot("outbound first", t1)}, {}, {User: slot("reply", t2)}},
	}})
	assert.Equal(t, []Message{
		{Text: "outbound first", Timestamp: t1, Direction: Outbound},
		{Text: "reply", Timestamp: t2, Direction: Inbound},
	}, snap.Conversations["1"].Messages)
}

func TestDerive_PreservesFeedOrder(t *testing.T) {
	// Out-of-order timestamps are kept as delivered.
	snap := Derive("15551008641", []Chat{{
		WaID:     "1",
		Messages: []Turn{{User: slot("late", t3)}, {User: slot("early", t1)}},
	}})
	msgs := snap.Conversations["1"].Messages
	assert.Equal(t, "late", msgs[0].Text)
	assert.Equal(t, "early", msgs[1].Text)
}

func TestDerive_Empty(t *testing.T) {
	snap := Derive("15551008641", nil)
	assert.Empty(t, snap.Users)
	assert.Empty(t, snap.Conversations)
	assert.False(t, Compare(snap, Derive("15551008641", []Chat{})).Changed())
}

func TestCompare(t *testing.T) {
	base := Derive("15551008641", sampleChats())

	assert.False(t, Compare(base, Derive("15551008641", sampleChats())).Changed())

	modeChanged := sampleChats()
	modeChanged[1].ResponseMode = ModeAuto
	d := Compare(base, Derive("15551008641", modeChanged))
	assert.Equal(t, Diff{Modes: true}, d)

	newMessage := sampleChats()
	newMessage[0].Messages[1].Response = slot("9 to 5", t3.Add(time.Second))
	d = Compare(base, Derive("15551008641", newMessage))
	assert.True(t, d.Users)
	assert.True(t, d.Messages)
	assert.False(t, d.Modes)
}

func TestCompare_EquivalentZonesAreEqual(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	a := Derive("15551008641", []Chat{{WaID: "1", Messages: []Turn{{User: slot("x", t1)}}}})
	b := Derive("15551008641", []Chat{{WaID: "1", Messages: []Turn{{User: slot("x", t1.In(est))}}}})
	assert.False(t, Compare(a, b).Changed())
}

func TestAlertsRaised(t *testing.T) {
	prev := Derive("15551008641", []Chat{{WaID: "a"}, {WaID: "b", Alert: true}})
	next := Derive("15551008641", []Chat{{WaID: "a", Alert: true}, {WaID: "b", Alert: true}, {WaID: "c", Alert: true}, {WaID: "d"}})
	assert.Equal(t, []string{"a", "c"}, AlertsRaised(prev, next))
	assert.Empty(t, AlertsRaised(next, next))
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	snap := Derive("15551008641", sampleChats())
	clone := snap.Clone()
	clone.Users[0].Message = "mutated"
	c := clone.Conversations["5511999990000"]
	c.Messages[0].Text = "mutated"

	assert.Equal(t, "what are your hours?", snap.Users[0].Message)
	assert.Equal(t, "hola", snap.Conversations["5511999990000"].Messages[0].Text)
}

func TestSnapshot_IDs(t *testing.T) {
	snap := Derive("15551008641", sampleChats())
	assert.Equal(t, []string{"5511999990000", "447700900123"}, snap.IDs())
}

// --- wire format ---

func TestChat_DecodeFeed(t *testing.T) {
	raw := `[{
		"wa_id": "5511999990000",
		"alert": true,
		"response_mode": "manual",
		"messages": [
			{"user": {"message": "hola", "timestamp": "2026-05-04T09:30:00Z"},
			 "response": {"message": "hi", "timestamp": 1777887045}},
			{"user": {"message": "ms", "timestamp": "1777887645000"}}
		]
	}]`
	var chats []Chat
	require.NoError(t, json.Unmarshal([]byte(raw), &chats))
	require.Len(t, chats, 1)
	c := chats[0]
	assert.True(t, c.Alert)
	assert.Equal(t, ModeManual, c.ResponseMode)
	require.Len(t, c.Messages, 2)
	assert.True(t, c.Messages[0].User.Timestamp.Equal(t1))
	assert.True(t, c.Messages[0].Response.Timestamp.Equal(t2))
	assert.True(t, c.Messages[1].User.Timestamp.Equal(t3))
	assert.Nil(t, c.Messages[1].Response)
}

func TestTimestamp_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{`"2026-05-04T09:30:00Z"`, t1, false},
		{`"2026-05-04T06:30:00-03:00"`, t1, false},
		{`"2026-05-04 09:30:00"`, t1, false},
		{`1777887000`, t1, false},
		{`1777887000000`, t1, false},
		{`"1777887000"`, t1, false},
		{`null`, time.Time{}, false},
		{`""`, time.Time{}, false},
		{`"yesterday"`, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.in), &ts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, ts.Equal(tt.want), "got %v want %v", ts.Time, tt.want)
		})
	}
}

func TestTimestamp_Marshal(t *testing.T) {
	data, err := json.Marshal(At(t1))
	require.NoError(t, err)
	assert.Equal(t, `"2026-05-04T09:30:00Z"`, string(data))

	data, err = json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))
}

// --- validation ---

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Manual ")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)

	_, err = ParseMode("robot")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestValidateBusinessNumber(t *testing.T) {
	for _, ok := range []string{"5551008641", "15551008641", "551155510086"} {
		assert.NoError(t, ValidateBusinessNumber(ok), ok)
	}
	for _, bad := range []string{"", "555100864", "5551008641234", "+15551008641", "1555100864a"} {
		assert.ErrorIs(t, ValidateBusinessNumber(bad), ErrInvalidBusinessNumber, bad)
	}
}
