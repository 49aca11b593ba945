// Package routing decides what to do with an inbound chat message: respond,
// record it silently for conversation context, or drop it. It is pure
// decision logic over the message, the channel kind, and the process-wide
// policy; all side effects live in pkg/session.
package routing

import "strings"

// Verdict is the admission decision for one inbound message.
type Verdict int

const (
	// Ignore drops the message entirely.
	Ignore Verdict = iota
	// LogOnly records the message to the session transcript but posts no reply.
	LogOnly
	// Respond runs the full reply sequence.
	Respond
)

func (v Verdict) String() string {
	switch v {
	case Respond:
		return "respond"
	case LogOnly:
		return "log-only"
	default:
		return "ignore"
	}
}

// ChannelKind classifies a channel. Direct and Group are DM-like; Open and
// Private are broadcast-like and subject to group policy.
type ChannelKind string

const (
	KindOpen    ChannelKind = "O"
	KindPrivate ChannelKind = "P"
	KindDirect  ChannelKind = "D"
	KindGroup   ChannelKind = "G"
)

// IsDM reports whether the kind denotes a 1:1 or small-group private
// conversation.
func (k ChannelKind) IsDM() bool {
	return k == KindDirect || k == KindGroup
}

type DMPolicy string

const (
	DMOpen    DMPolicy = "open"
	DMPairing DMPolicy = "pairing"
	DMClosed  DMPolicy = "closed"
)

type GroupPolicy string

const (
	GroupOpen      GroupPolicy = "open"
	GroupAllowlist GroupPolicy = "allowlist"
	GroupDisabled  GroupPolicy = "disabled"
)

// ReplyMode controls how replies are threaded.
type ReplyMode string

const (
	ReplyOff          ReplyMode = "off"
	ReplyThread       ReplyMode = "thread"
	ReplyAlwaysThread ReplyMode = "always-thread"
)

// ChannelRule is one per-channel allowlist entry.
type ChannelRule struct {
	Allow          bool
	RequireMention bool
}

// Policy is the process-wide admission configuration, loaded once at startup
// and immutable afterwards.
type Policy struct {
	DMPolicy      DMPolicy
	GroupPolicy   GroupPolicy
	Channels      map[string]ChannelRule
	CommandPrefix string
	ReplyMode     ReplyMode
}

// Message is the normalized inbound chat message the engine decides on.
// An empty Type is an ordinary user message; any non-empty Type marks a
// system-generated message. RootID is empty for top-level messages.
type Message struct {
	ID        string
	SenderID  string
	ChannelID string
	RootID    string
	Body      string
	Type      string
}

// Classify runs the admission cascade. Self- and system-message exclusion
// always win; DM-like channels follow the DM policy, broadcast-like channels
// the group policy plus the per-channel table.
func (p Policy) Classify(msg Message, kind ChannelKind, mentioned bool, botID string) Verdict {
	if msg.SenderID == botID {
		return Ignore
	}
	if msg.Type != "" {
		return Ignore
	}

	if kind.IsDM() {
		if p.DMPolicy == DMClosed {
			return Ignore
		}
		// "pairing" admission of unknown senders is the identity
		// collaborator's call, not ours.
		return Respond
	}

	switch p.GroupPolicy {
	case GroupDisabled:
		return Ignore
	case GroupOpen:
		if mentioned {
			return Respond
		}
		return LogOnly
	case GroupAllowlist:
		rule, ok := p.Channels[msg.ChannelID]
		if !ok || !rule.Allow {
			return Ignore
		}
		if rule.RequireMention && !mentioned {
			return LogOnly
		}
		return Respond
	default:
		return Ignore
	}
}

// MentionDetected reports whether "@"+username occurs anywhere in body.
// Deliberately a plain case-sensitive substring match, not word-boundary
// tokenization.
func MentionDetected(body, username string) bool {
	if username == "" {
		return false
	}
	return strings.Contains(body, "@"+username)
}

// CommandAddressed reports whether body starts with the command prefix,
// which counts as addressing the bot in broadcast channels.
func (p Policy) CommandAddressed(body string) bool {
	if p.CommandPrefix == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimLeft(body, " \t"), p.CommandPrefix)
}

// SessionKey derives the stable conversation key for a channel. Distinct
// channels never collide, and the DM and non-DM forms are disjoint by
// construction.
func SessionKey(channelID string, dm bool) string {
	if dm {
		return "dm-" + channelID
	}
	return "ch-" + channelID
}

// ThreadRoot resolves the threading directive for a reply. An empty return
// means reply in-channel, unthreaded.
func (p Policy) ThreadRoot(msg Message) string {
	switch p.ReplyMode {
	case ReplyAlwaysThread:
		if msg.RootID != "" {
			return msg.RootID
		}
		return msg.ID
	case ReplyThread:
		return msg.RootID
	default:
		return ""
	}
}
