package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// Router demultiplexes inbound frames by (channel, action) to subscribed
// handlers. Subscriptions are tied to a connection generation: when the
// connection drops, every subscription made against the old generation is
// discarded, so components re-register on reconnect without ever producing
// duplicate delivery. Re-subscribing the same owner to the same pair within
// one generation replaces the previous handler (idempotent registration).
type Router struct {
	mu   sync.Mutex
	gen  uint64
	subs map[routeKey][]*Subscription
	log  *zap.Logger
}

type routeKey struct {
	channel string
	action  string
}

// Subscription is the disposal handle for one registered handler.
type Subscription struct {
	r     *Router
	key   routeKey
	owner string
	gen   uint64
	fn    func(protocol.Event)
}

func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{subs: make(map[routeKey][]*Subscription), log: log}
}

// Subscribe registers fn for (channel, action). The owner string scopes
// idempotency: the same owner subscribing to the same pair again (a
// re-render) replaces its handler instead of duplicating it.
func (r *Router) Subscribe(channel, action, owner string, fn func(protocol.Event)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey{channel: channel, action: action}
	sub := &Subscription{r: r, key: key, owner: owner, gen: r.gen, fn: fn}

	list := r.subs[key]
	for i, existing := range list {
		if existing.owner == owner && existing.gen == r.gen {
			list[i] = sub
			return sub
		}
	}
	r.subs[key] = append(list, sub)
	return sub
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()

	list := s.r.subs[s.key]
	for i, existing := range list {
		if existing == s {
			s.r.subs[s.key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Generation returns the current connection generation.
func (r *Router) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// advanceGeneration drops every subscription made against the previous
// connection and returns the new generation. Called by the connection
// manager when the socket goes down.
func (r *Router) advanceGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	for key, list := range r.subs {
		kept := list[:0]
		for _, sub := range list {
			if sub.gen == r.gen {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(r.subs, key)
			continue
		}
		r.subs[key] = kept
	}
	return r.gen
}

// Dispatch decodes the frame and invokes matching handlers. Unknown
// (channel, action) pairs are ignored; malformed payloads are logged and
// dropped. Dispatch never panics the read loop.
func (r *Router) Dispatch(f protocol.Frame) {
	ev, err := protocol.Decode(f)
	if err != nil {
		r.log.Warn("dropping malformed frame",
			zap.String("channel", f.Channel),
			zap.String("action", f.Action),
			zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	r.mu.Lock()
	list := r.subs[routeKey{channel: f.Channel, action: f.Action}]
	handlers := make([]func(protocol.Event), 0, len(list))
	for _, sub := range list {
		if sub.gen == r.gen {
			handlers = append(handlers, sub.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
