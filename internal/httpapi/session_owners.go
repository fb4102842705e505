package httpapi

import (
	"context"
	"sync"

	"github.com/lukasbauer/voxlive/internal/stt"
)

// sessionOwners maps live session ids to the API client that started them.
type sessionOwners struct {
	mu sync.Mutex
	m  map[string]string
}

func newSessionOwners() *sessionOwners {
	return &sessionOwners{m: make(map[string]string)}
}

func (o *sessionOwners) set(sessionID, clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[sessionID] = clientID
}

func (o *sessionOwners) remove(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, sessionID)
}

// allowed reports whether client may act on the session. Sessions without a
// recorded owner are open to every client.
func (o *sessionOwners) allowed(sessionID string, client *AuthClient) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, ok := o.m[sessionID]
	if !ok {
		return true
	}
	return client != nil && client.ID == owner
}

// startSession starts a session owned by client. The owner is forgotten after
// the session's terminal event.
func (r *Router) startSession(ctx context.Context, client *AuthClient, cfg stt.SessionConfig) (string, error) {
	ready := make(chan struct{})
	next := cfg.Sink
	cfg.Sink = func(sessionID string, ev stt.Event) {
		<-ready
		if next != nil {
			next(sessionID, ev)
		}
		if stt.IsTerminal(ev) {
			r.owners.remove(sessionID)
		}
	}

	id, err := r.engine.StartSession(ctx, cfg)
	if err != nil {
		return "", err
	}
	if client != nil {
		r.owners.set(id, client.ID)
	}
	close(ready)
	return id, nil
}
