// SPDX-License-Identifier: ice License 1.0

// Package dispatcher implements the subscription dispatcher: one worker
// per instance that observes an event store's commit stream and pushes
// matches to live subscriptions.
package dispatcher

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ice-blockchain/moar/model"
)

const yieldEvery = 64

// DefaultBackpressure is the default bound of a session's outbound
// channel per subscription.
const DefaultBackpressure = 256

// Sink is the non-owning handle the dispatcher holds for a live
// subscription — a session prunes its own entry on close; after the first
// failed (full) send the sink is marked dropped and receives nothing more.
type Sink struct {
	SubscriptionID string
	Filters        model.Filters
	ch             chan *model.Event
	overloaded     func()
	dropped        atomic.Bool
}

// NewSink creates a subscription sink with the default backpressure
// bound. overloaded is invoked at most once, when the channel is full and
// an event has to be dropped visibly.
func NewSink(subID string, filters model.Filters, overloaded func()) *Sink {
	return &Sink{
		SubscriptionID: subID,
		Filters:        filters,
		ch:             make(chan *model.Event, DefaultBackpressure),
		overloaded:     overloaded,
	}
}

func (s *Sink) Events() <-chan *model.Event { return s.ch }

func (s *Sink) push(ev *model.Event) {
	if s.dropped.Load() {
		return
	}
	select {
	case s.ch <- ev:
	default:
		if s.dropped.CompareAndSwap(false, true) && s.overloaded != nil {
			s.overloaded()
		}
	}
}

// Instance is one instance's dispatcher worker: it drains a channel of
// committed events and fans them out to registered sinks.
type Instance struct {
	commits chan *model.Event

	mu    sync.RWMutex
	sinks map[string]map[string]*Sink // session id -> sub id -> sink
}

func NewInstance() *Instance {
	return &Instance{
		commits: make(chan *model.Event, 4096),
		sinks:   make(map[string]map[string]*Sink),
	}
}

// Publish announces a committed event; called by the store's CommitFunc
// hook after a write transaction commits.
func (in *Instance) Publish(ev *model.Event) {
	select {
	case in.commits <- ev:
	default:
		// The commit channel itself is generously sized; a full channel
		// here means the dispatcher worker is stuck, which is an
		// operational condition outside what dropping one event fixes.
	}
}

// Subscribe registers sink under sessionID, replacing any prior sink with
// the same subscription id (a REQ with a repeated sid replaces it).
func (in *Instance) Subscribe(sessionID string, sink *Sink) {
	in.mu.Lock()
	defer in.mu.Unlock()

	subs, ok := in.sinks[sessionID]
	if !ok {
		subs = make(map[string]*Sink)
		in.sinks[sessionID] = subs
	}
	subs[sink.SubscriptionID] = sink
}

// Unsubscribe removes one subscription for a session (subID == "" removes
// all of the session's subscriptions, mirroring CLOSE-on-disconnect).
func (in *Instance) Unsubscribe(sessionID, subID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if subID == "" {
		delete(in.sinks, sessionID)

		return
	}
	if subs, ok := in.sinks[sessionID]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(in.sinks, sessionID)
		}
	}
}

// Run drains the commit channel until ctx is done, fanning out to every
// matching sink and yielding every yieldEvery events so a catch-up burst
// never starves other instances' workers.
func (in *Instance) Run(ctx context.Context) {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in.commits:
			in.fanOut(ev)
			processed++
			if processed%yieldEvery == 0 {
				runtime.Gosched()
			}
		}
	}
}

func (in *Instance) fanOut(ev *model.Event) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	for _, subs := range in.sinks {
		for _, sink := range subs {
			if model.Match(sink.Filters, ev) {
				sink.push(ev)
			}
		}
	}
}
