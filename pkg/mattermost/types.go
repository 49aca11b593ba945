package mattermost

import (
	"encoding/json"
	"errors"
)

// User is a Mattermost user record, reduced to the fields the bridge reads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// Channel carries the channel id and the single-letter kind classifier
// ("O" open, "P" private, "D" direct, "G" group).
type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Post is a chat message. An empty Type is an ordinary user message;
// non-empty types ("system_join_channel", ...) are system-generated.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	CreateAt  int64  `json:"create_at"`
}

// Event is one parsed frame from the server event stream. Broadcast and Seq
// are carried through but the bridge does not act on them: ordering is the
// transport's guarantee, not re-validated here.
type Event struct {
	Event     string          `json:"event"`
	Data      map[string]any  `json:"data"`
	Broadcast json.RawMessage `json:"broadcast,omitempty"`
	Seq       int64           `json:"seq"`
}

// EventPosted is the only event kind the bridge acts on today.
const EventPosted = "posted"

// ErrNoPost is returned by Event.Post when the frame carries no post payload.
var ErrNoPost = errors.New("event carries no post")

// Post extracts the embedded post from a "posted" event. The server sends it
// either as a JSON-encoded string or as an inline object; both are accepted.
func (e Event) Post() (*Post, error) {
	raw, ok := e.Data["post"]
	if !ok || raw == nil {
		return nil, ErrNoPost
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}

	var p Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ChannelType returns the channel kind hint some events carry, or "" when
// the event has none and a lookup is needed.
func (e Event) ChannelType() string {
	s, _ := e.Data["channel_type"].(string)
	return s
}
