package session

import (
	"context"
	"fmt"

	"github.com/tinyland-inc/mmclaw/pkg/config"
	"github.com/tinyland-inc/mmclaw/pkg/logger"
	"github.com/tinyland-inc/mmclaw/pkg/mattermost"
	"github.com/tinyland-inc/mmclaw/pkg/routing"
)

// Engine aggregates the process-wide state the bridge runs on: config,
// REST client, websocket client, bot identity, and the orchestrator.
// Everything is written during Start and read-only afterwards.
type Engine struct {
	cfg      *config.Config
	api      *mattermost.Client
	ws       *mattermost.WSClient
	injector Injector
	history  HistoryLogger

	orch           *Orchestrator
	handlers       map[string]func(context.Context, mattermost.Event)
	removeListener func()
}

func NewEngine(cfg *config.Config, injector Injector, history HistoryLogger) *Engine {
	return &Engine{
		cfg:      cfg,
		api:      mattermost.NewClient(cfg.Server.URL, cfg.Server.Token),
		ws:       mattermost.NewWSClient(cfg.Server.URL, cfg.Server.Token),
		injector: injector,
		history:  history,
	}
}

// Start connects to the server, fetches the bot identity, and begins
// dispatching events. A disabled bridge or missing credentials is a warning,
// not an error: the engine simply never connects.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		logger.WarnC("engine", "Bridge disabled in config, not connecting")
		return nil
	}
	if e.cfg.Server.URL == "" || e.cfg.Server.Token == "" {
		logger.WarnC("engine", "Server URL or token missing, not connecting")
		return nil
	}

	if err := e.ws.Connect(); err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}

	me, err := e.api.GetMe(ctx)
	if err != nil {
		e.ws.Disconnect()
		return fmt.Errorf("fetching bot identity: %w", err)
	}

	e.orch = NewOrchestrator(e.api, e.injector, e.history, PolicyFromConfig(e.cfg), Identity{
		ID:       me.ID,
		Username: me.Username,
	})

	// Dispatch table keyed by event kind; kinds without a handler are
	// dropped without comment. Handlers run one goroutine per event, so
	// inbound delivery stays ordered while completions may not be.
	e.handlers = map[string]func(context.Context, mattermost.Event){
		mattermost.EventPosted: e.orch.HandleEvent,
	}
	e.removeListener = e.ws.AddListener(func(ev mattermost.Event) {
		handler, ok := e.handlers[ev.Event]
		if !ok {
			return
		}
		go handler(ctx, ev)
	})

	logger.InfoCF("engine", "Bridge started", map[string]any{
		"bot_id":   me.ID,
		"username": me.Username,
	})
	return nil
}

// Stop tears the bridge down: listener unregistered, reconnection disarmed,
// socket closed. Safe to call on an engine that never started.
func (e *Engine) Stop() {
	if e.removeListener != nil {
		e.removeListener()
		e.removeListener = nil
	}
	e.ws.Disconnect()
	logger.InfoC("engine", "Bridge stopped")
}

// Connected reports whether the event stream is currently up.
func (e *Engine) Connected() bool {
	return e.ws.IsConnected()
}

// PolicyFromConfig maps the loaded routing configuration onto the engine's
// immutable policy value.
func PolicyFromConfig(cfg *config.Config) routing.Policy {
	channels := make(map[string]routing.ChannelRule, len(cfg.Routing.Channels))
	for id, rule := range cfg.Routing.Channels {
		channels[id] = routing.ChannelRule{
			Allow:          rule.Allow,
			RequireMention: rule.RequireMention,
		}
	}
	return routing.Policy{
		DMPolicy:      routing.DMPolicy(cfg.Routing.DMPolicy),
		GroupPolicy:   routing.GroupPolicy(cfg.Routing.GroupPolicy),
		Channels:      channels,
		CommandPrefix: cfg.Routing.CommandPrefix,
		ReplyMode:     routing.ReplyMode(cfg.Routing.ReplyMode),
	}
}
