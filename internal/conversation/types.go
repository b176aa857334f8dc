// Package conversation keeps a reconciled, read-only view of a business
// number's conversations by polling a Source and publishing changes.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Direction of a message relative to the business.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ResponseMode controls whether replies in a conversation are automated.
type ResponseMode string

const (
	ModeAuto   ResponseMode = "auto"
	ModeManual ResponseMode = "manual"
)

var (
	// ErrInvalidMode is returned for a mode other than auto or manual.
	ErrInvalidMode = errors.New("conversation: invalid response mode")
	// ErrInvalidBusinessNumber is returned for numbers that are not 10 to 12 digits.
	ErrInvalidBusinessNumber = errors.New("conversation: business number must be 10 to 12 digits")
)

// ParseMode validates s as a ResponseMode.
func ParseMode(s string) (ResponseMode, error) {
	switch m := ResponseMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

var businessNumber = regexp.MustCompile(`^\d{10,12}$`)

// ValidateBusinessNumber checks that number is 10 to 12 digits.
func ValidateBusinessNumber(number string) error {
	if !businessNumber.MatchString(number) {
		return fmt.Errorf("%w: %q", ErrInvalidBusinessNumber, number)
	}
	return nil
}

// Chat is one conversation as the feed delivers it.
type Chat struct {
	WaID         string       `json:"wa_id"`
	Alert        bool         `json:"alert"`
	ResponseMode ResponseMode `json:"response_mode,omitempty"`
	Messages     []Turn       `json:"messages"`
}

// Turn pairs a counterpart message with the business's reply. Either side
// may be absent.
type Turn struct {
	User     *Slot `json:"user,omitempty"`
	Response *Slot `json:"response,omitempty"`
}

// Slot is one side of a Turn.
type Slot struct {
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp decodes RFC 3339 strings and Unix epochs in seconds or
// milliseconds, either as numbers or numeric strings.
type Timestamp struct {
	time.Time
}

// At returns a Timestamp for t.
func At(t time.Time) Timestamp { return Timestamp{t} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		ts.Time = time.Time{}
		return nil
	}
	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		ts.Time = time.Time{}
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		ts.Time = fromEpoch(n)
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("conversation: unrecognized timestamp %q", raw)
}

// fromEpoch treats values above 1e12 as milliseconds.
func fromEpoch(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

// Message is one entry of a conversation's flattened history.
type Message struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
}

// Conversation is the reconciled view of one counterpart.
type Conversation struct {
	ID           string       `json:"id"`
	Messages     []Message    `json:"messages"`
	ResponseMode ResponseMode `json:"responseMode"`
	Alert        bool         `json:"alert"`
}

// UserSummary is the list-view row of a conversation: its latest message
// from either side. Message and Time are empty for a conversation without
// messages.
type UserSummary struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Alert   bool      `json:"alert"`
}

// Snapshot is the engine's view of one business number.
type Snapshot struct {
	BusinessNumber string                  `json:"businessNumber"`
	Users          []UserSummary           `json:"users"`
	Conversations  map[string]Conversation `json:"conversations"`
	PolledAt       time.Time               `json:"polledAt"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		BusinessNumber: s.BusinessNumber,
		Users:          slices.Clone(s.Users),
		PolledAt:       s.PolledAt,
	}
	if s.Conversations != nil {
		out.Conversations = make(map[string]Conversation, len(s.Conversations))
		for id, c := range s.Conversations {
			c.Messages = slices.Clone(c.Messages)
			out.Conversations[id] = c
		}
	}
	return out
}

// Conversation returns the conversation with id, if present.
func (s Snapshot) Conversation(id string) (Conversation, bool) {
	c, ok := s.Conversations[id]
	if ok {
		c.Messages = slices.Clone(c.Messages)
	}
	return c, ok
}

// IDs returns conversation ids in user-list order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Users))
	for _, u := range s.Users {
		ids = append(ids, u.ID)
	}
	if len(ids) != len(s.Conversations) {
		ids = slices.Sorted(maps.Keys(s.Conversations))
	}
	return ids
}
