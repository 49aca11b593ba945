package inject

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyland-inc/mmclaw/pkg/logger"
)

// maxTranscriptEntries bounds per-session memory; the oldest turns fall off.
const maxTranscriptEntries = 40

// Agent maps session keys to transcripts and drives a Provider. It is safe
// for concurrent use; calls within one session serialize on the session
// lock, calls across sessions proceed independently.
type Agent struct {
	provider     Provider
	model        string
	systemPrompt string
	maxTokens    int

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu         sync.Mutex
	transcript []Message
}

func NewAgent(provider Provider, model, systemPrompt string, maxTokens int) *Agent {
	return &Agent{
		provider:     provider,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		sessions:     make(map[string]*session),
	}
}

func (a *Agent) session(key string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[key]
	if !ok {
		s = &session{}
		a.sessions[key] = s
	}
	return s
}

// Inject appends the message to the session transcript, asks the provider
// for a reply, and records it. No retry is performed here.
func (a *Agent) Inject(ctx context.Context, sessionKey, text string, meta Meta) (string, error) {
	s := a.session(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transcript = append(s.transcript, Message{Role: "user", Content: attributed(text, meta)})
	s.trim()

	reply, err := a.provider.Chat(ctx, a.systemPrompt, s.transcript, a.model, a.maxTokens)
	if err != nil {
		return "", fmt.Errorf("provider chat: %w", err)
	}

	s.transcript = append(s.transcript, Message{Role: "assistant", Content: reply})
	s.trim()
	return reply, nil
}

// LogMessage records a message the bot saw but is not replying to, so the
// model has channel context on its next turn. Fire-and-forget.
func (a *Agent) LogMessage(sessionKey, text string, meta Meta) {
	s := a.session(sessionKey)
	s.mu.Lock()
	s.transcript = append(s.transcript, Message{Role: "user", Content: attributed(text, meta)})
	s.trim()
	s.mu.Unlock()

	logger.DebugCF("inject", "Message logged to session", map[string]any{
		"session": sessionKey,
		"from":    meta.From,
	})
}

// TranscriptLen reports the current transcript size for a session key.
func (a *Agent) TranscriptLen(sessionKey string) int {
	s := a.session(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

// trim drops the oldest entries beyond the cap. Callers hold s.mu.
func (s *session) trim() {
	if n := len(s.transcript); n > maxTranscriptEntries {
		s.transcript = append(s.transcript[:0:0], s.transcript[n-maxTranscriptEntries:]...)
	}
}

func attributed(text string, meta Meta) string {
	if meta.From == "" {
		return text
	}
	return fmt.Sprintf("%s: %s", meta.From, text)
}
