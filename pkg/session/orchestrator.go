// Package session runs the respond sequence for admitted events and owns the
// engine lifecycle that ties transport, routing, and the AI collaborator
// together.
package session

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/tinyland-inc/mmclaw/pkg/inject"
	"github.com/tinyland-inc/mmclaw/pkg/logger"
	"github.com/tinyland-inc/mmclaw/pkg/mattermost"
	"github.com/tinyland-inc/mmclaw/pkg/routing"
)

const (
	// maxMessageLength is the platform's message-length ceiling.
	maxMessageLength = 4000
	ellipsis         = "..."

	placeholderText = "Thinking…"
	errorNotice     = "Something went wrong. Please try again."
)

// ChatAPI is the outbound-call contract the orchestrator depends on.
// Implemented by *mattermost.Client; faked in tests.
type ChatAPI interface {
	GetUser(ctx context.Context, id string) (*mattermost.User, error)
	GetChannel(ctx context.Context, id string) (*mattermost.Channel, error)
	CreatePost(ctx context.Context, channelID, message, rootID string) (*mattermost.Post, error)
	UpdatePost(ctx context.Context, postID, message string) (*mattermost.Post, error)
}

// Injector is the AI collaborator. May fail; no retry is performed here.
type Injector interface {
	Inject(ctx context.Context, sessionKey, text string, meta inject.Meta) (string, error)
}

// HistoryLogger records messages the bot saw but is not replying to.
// Fire-and-forget; failures are the logger's own business.
type HistoryLogger interface {
	LogMessage(sessionKey, text string, meta inject.Meta)
}

// Identity is the bot's own user record, fetched once after authentication
// and read-only afterwards.
type Identity struct {
	ID       string
	Username string
}

// Orchestrator executes the per-event state machine:
//
//	RECEIVED → CLASSIFIED → {IGNORED | LOGGED | RESPONDING}
//	RESPONDING → PLACEHOLDER_POSTED → {FINALIZED | PLACEHOLDER_FAILED}
//
// Many events may be in flight at once; nothing here serializes event N+1
// behind event N.
type Orchestrator struct {
	api      ChatAPI
	injector Injector
	history  HistoryLogger
	policy   routing.Policy
	bot      Identity
}

func NewOrchestrator(api ChatAPI, injector Injector, history HistoryLogger, policy routing.Policy, bot Identity) *Orchestrator {
	return &Orchestrator{
		api:      api,
		injector: injector,
		history:  history,
		policy:   policy,
		bot:      bot,
	}
}

// HandleEvent processes one inbound event to a terminal state. It never
// panics outward and never returns an error: every failure is either
// swallowed by design or reported to the operator log.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev mattermost.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("session", "Event handler panicked", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()

	post, err := ev.Post()
	if err != nil {
		logger.DebugCF("session", "Event without usable post", map[string]any{"error": err.Error()})
		return
	}
	o.handlePost(ctx, post, ev.ChannelType())
}

func (o *Orchestrator) handlePost(ctx context.Context, post *mattermost.Post, kindHint string) {
	msg := routing.Message{
		ID:        post.ID,
		SenderID:  post.UserID,
		ChannelID: post.ChannelID,
		RootID:    post.RootID,
		Body:      post.Message,
		Type:      post.Type,
	}

	kind := o.resolveKind(ctx, post.ChannelID, kindHint)
	mentioned := routing.MentionDetected(msg.Body, o.bot.Username)
	if !mentioned && !kind.IsDM() {
		// A command-prefixed message in a broadcast channel addresses the
		// bot the same way a mention does.
		mentioned = o.policy.CommandAddressed(msg.Body)
	}

	verdict := o.policy.Classify(msg, kind, mentioned, o.bot.ID)
	if verdict == routing.Ignore {
		return
	}

	eventID := uuid.NewString()
	sessionKey := routing.SessionKey(msg.ChannelID, kind.IsDM())
	meta := inject.Meta{
		From:    o.senderName(ctx, msg.SenderID),
		Channel: msg.ChannelID,
	}

	logger.InfoCF("session", "Message admitted", map[string]any{
		"event_id": eventID,
		"verdict":  verdict.String(),
		"session":  sessionKey,
		"dm":       kind.IsDM(),
		"policy":   o.appliedPolicy(kind),
	})

	switch verdict {
	case routing.LogOnly:
		o.history.LogMessage(sessionKey, msg.Body, meta)
	case routing.Respond:
		o.respond(ctx, eventID, sessionKey, msg, meta)
	}
}

// resolveKind takes the event hint when present, otherwise does one
// best-effort lookup, and fails open toward treating unknown channels as
// public.
func (o *Orchestrator) resolveKind(ctx context.Context, channelID, hint string) routing.ChannelKind {
	if hint != "" {
		return routing.ChannelKind(hint)
	}
	ch, err := o.api.GetChannel(ctx, channelID)
	if err != nil {
		logger.WarnCF("session", "Channel lookup failed, assuming open", map[string]any{
			"channel": channelID,
			"error":   err.Error(),
		})
		return routing.KindOpen
	}
	return routing.ChannelKind(ch.Type)
}

// appliedPolicy names the policy that decided the verdict for this channel
// kind, for the admission log line.
func (o *Orchestrator) appliedPolicy(kind routing.ChannelKind) string {
	if kind.IsDM() {
		return string(o.policy.DMPolicy)
	}
	return string(o.policy.GroupPolicy)
}

func (o *Orchestrator) senderName(ctx context.Context, senderID string) string {
	user, err := o.api.GetUser(ctx, senderID)
	if err != nil || user.Username == "" {
		return senderID
	}
	return user.Username
}

func (o *Orchestrator) respond(ctx context.Context, eventID, sessionKey string, msg routing.Message, meta inject.Meta) {
	body := stripMention(msg.Body, o.bot.Username)
	body = stripCommandPrefix(body, o.policy.CommandPrefix)
	rootID := o.policy.ThreadRoot(msg)

	placeholder, err := o.api.CreatePost(ctx, msg.ChannelID, placeholderText, rootID)
	if err != nil {
		// Event-fatal: no placeholder means no reply for this event.
		logger.ErrorCF("session", "Placeholder post failed", map[string]any{
			"event_id": eventID,
			"channel":  msg.ChannelID,
			"error":    err.Error(),
		})
		return
	}

	reply, err := o.injector.Inject(ctx, sessionKey, body, meta)
	if err != nil {
		logger.ErrorCF("session", "Inject failed", map[string]any{
			"event_id": eventID,
			"session":  sessionKey,
			"error":    err.Error(),
		})
		// The placeholder must never be left showing "thinking" forever.
		if _, uerr := o.api.UpdatePost(ctx, placeholder.ID, errorNotice); uerr != nil {
			logger.ErrorCF("session", "Error-notice edit failed", map[string]any{
				"event_id": eventID,
				"error":    uerr.Error(),
			})
		}
		return
	}

	if _, err := o.api.UpdatePost(ctx, placeholder.ID, truncate(reply)); err != nil {
		logger.ErrorCF("session", "Finalize edit failed", map[string]any{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}
}

// stripMention removes every occurrence of "@"+username, case-insensitively,
// each together with one run of whitespace following it. Matching walks runes,
// not bytes: lowercasing can change a rune's UTF-8 length, so byte offsets
// into a lowered copy would desync from the original.
func stripMention(body, username string) string {
	if username == "" {
		return body
	}
	token := []rune("@" + username)
	runes := []rune(body)

	var b strings.Builder
	for i := 0; i < len(runes); {
		if matchFold(runes[i:], token) {
			i += len(token)
			for i < len(runes) && (runes[i] == ' ' || runes[i] == '\t') {
				i++
			}
			continue
		}
		b.WriteRune(runes[i])
		i++
	}
	return b.String()
}

// matchFold reports whether s starts with token, comparing rune-by-rune
// case-insensitively.
func matchFold(s, token []rune) bool {
	if len(s) < len(token) {
		return false
	}
	for i, r := range token {
		if unicode.ToLower(s[i]) != unicode.ToLower(r) {
			return false
		}
	}
	return true
}

// stripCommandPrefix drops a single leading command prefix plus the
// whitespace run after it.
func stripCommandPrefix(body, prefix string) string {
	if prefix == "" {
		return body
	}
	trimmed := strings.TrimLeft(body, " \t")
	rest, ok := strings.CutPrefix(trimmed, prefix)
	if !ok {
		return body
	}
	return strings.TrimLeft(rest, " \t")
}

// truncate caps text at the platform ceiling, reserving three characters
// for the ellipsis marker when cutting.
func truncate(text string) string {
	r := []rune(text)
	if len(r) <= maxMessageLength {
		return text
	}
	return string(r[:maxMessageLength-len(ellipsis)]) + ellipsis
}
