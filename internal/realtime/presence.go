package realtime

import (
	"context"
	"sync"
	"time"

	"chat_sync/pkg/logger"
)

// PresenceTracker joins the global presence channel once per session
// and maintains the user-id → online mapping from sync/join/leave
// events. State is in-memory only and resets on reconnect.
type PresenceTracker struct {
	transport Transport
	selfID    string
	log       logger.Logger

	mu      sync.Mutex
	online  map[string]bool
	started bool
	cancel  context.CancelFunc
}

func NewPresenceTracker(transport Transport, selfID string, log logger.Logger) *PresenceTracker {
	return &PresenceTracker{
		transport: transport,
		selfID:    selfID,
		log:       log,
		online:    make(map[string]bool),
	}
}

// Start joins the presence channel and tracks this session's heartbeat
// payload. Calling Start again is a no-op.
func (p *PresenceTracker) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	ch := p.transport.Channel(GlobalPresenceTopic)
	go func() {
		<-runCtx.Done()
		_ = ch.Close()
	}()

	if err := ch.Subscribe(ctx); err != nil {
		cancel()
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	err := ch.Track(ctx, map[string]interface{}{
		"key":       p.selfID,
		"online_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.log.Warn("Presence track failed", "user_id", p.selfID, "error", err)
	}

	go p.listen(ch)
	return nil
}

func (p *PresenceTracker) listen(ch Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case EventPresenceState:
			p.mu.Lock()
			p.online = make(map[string]bool, len(ev.State))
			for _, key := range ev.State {
				p.online[key] = true
			}
			p.mu.Unlock()

		case EventPresenceDiff:
			p.mu.Lock()
			for _, key := range ev.Joins {
				p.online[key] = true
			}
			for _, key := range ev.Leaves {
				delete(p.online, key)
			}
			p.mu.Unlock()
		}
	}

	// Channel gone: presence is unknown, not stale.
	p.mu.Lock()
	p.online = make(map[string]bool)
	p.mu.Unlock()
}

// IsOnline is a pure lookup against the tracked mapping.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// Online returns the currently tracked user ids.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for key := range p.online {
		out = append(out, key)
	}
	return out
}

func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.started = false
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
