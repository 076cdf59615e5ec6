// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package bus implements the per-build Progress Bus (spec.md §4.J): an
// ordered, in-memory event topic with bounded history, so an immediate
// subscriber who attaches right after a phase transition still sees it, and
// a subscriber that falls too far behind is dropped rather than stalling
// the publisher.
package bus

import (
	"sync"
	"time"

	"buildforge/internal/domain"
	"buildforge/pkg/logging"
)

// Config controls retained history length and the slow-subscriber drop
// threshold.
type Config struct {
	// HistoryLength is how many of the most recent events a topic retains
	// for late subscribers.
	HistoryLength int
	// SlowSubscriberDropAt is how many buffered-but-undelivered events a
	// subscriber may accumulate before its stream is closed.
	SlowSubscriberDropAt int
}

// DefaultConfig returns the spec.md §4.J design defaults: 64 events of
// history, drop at 256 buffered.
func DefaultConfig() Config {
	return Config{HistoryLength: 64, SlowSubscriberDropAt: 256}
}

// Subscription is a live attachment to one build's topic.
type Subscription struct {
	Events <-chan domain.Event
	// Dropped is closed if this subscription was closed by the bus due to
	// backpressure rather than by the caller calling Close.
	Dropped <-chan struct{}

	topic  *topic
	ch     chan domain.Event
	dropCh chan struct{}
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.topic.unsubscribe(s)
		close(s.ch)
	})
}

type topic struct {
	buildID     string
	mu          sync.Mutex
	history     []domain.Event
	historyCap  int
	subscribers map[*Subscription]struct{}
	seq         uint64
	drained     bool
}

// Bus holds one topic per build.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	cfg    Config
	log    logging.Logger
}

// New creates a Bus with the given config.
func New(cfg Config, log logging.Logger) *Bus {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = DefaultConfig().HistoryLength
	}
	if cfg.SlowSubscriberDropAt <= 0 {
		cfg.SlowSubscriberDropAt = DefaultConfig().SlowSubscriberDropAt
	}
	return &Bus{topics: make(map[string]*topic), cfg: cfg, log: log}
}

func (b *Bus) topicFor(buildID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[buildID]
	if !ok {
		t = &topic{
			buildID:     buildID,
			historyCap:  b.cfg.HistoryLength,
			subscribers: make(map[*Subscription]struct{}),
		}
		b.topics[buildID] = t
	}
	return t
}

// Publish appends an event to buildId's topic, assigning the next sequence
// number, and fans it out to every current subscriber. Publish never
// blocks on a slow subscriber: a subscriber whose channel is full when
// Publish attempts delivery is dropped instead.
func (b *Bus) Publish(buildID string, ev domain.Event) domain.Event {
	t := b.topicFor(buildID)

	t.mu.Lock()
	t.seq++
	ev.BuildID = buildID
	ev.Seq = t.seq
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	t.history = append(t.history, ev)
	if len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}

	var toDrop []*Subscription
	for sub := range t.subscribers {
		select {
		case sub.ch <- ev:
		default:
			toDrop = append(toDrop, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range toDrop {
		b.dropSubscriber(t, sub)
	}
	return ev
}

func (b *Bus) dropSubscriber(t *topic, sub *Subscription) {
	t.mu.Lock()
	_, stillThere := t.subscribers[sub]
	if stillThere {
		delete(t.subscribers, sub)
	}
	t.mu.Unlock()
	if stillThere {
		close(sub.dropCh)
		// Close the event channel through once so a later caller-initiated
		// Close does not close it a second time.
		sub.once.Do(func() { close(sub.ch) })
		b.log.Warn("subscriber dropped: too far behind", logging.NewField("buildId", t.buildID))
	}
}

// Subscribe attaches to buildId's topic from now forward, replaying up to
// the topic's retained history first so a subscriber that just missed a
// transition still observes it.
func (b *Bus) Subscribe(buildID string) *Subscription {
	t := b.topicFor(buildID)

	t.mu.Lock()
	defer t.mu.Unlock()

	buffer := b.cfg.SlowSubscriberDropAt
	ch := make(chan domain.Event, buffer)
	sub := &Subscription{ch: ch, dropCh: make(chan struct{}), topic: t}
	sub.Events = ch
	sub.Dropped = sub.dropCh

	for _, ev := range t.history {
		select {
		case ch <- ev:
		default:
			// history replay should never overflow a fresh buffer sized
			// to SlowSubscriberDropAt >= HistoryLength in practice, but
			// guard anyway rather than blocking Subscribe.
		}
	}

	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *topic) unsubscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, sub)
}

// Drain marks buildId's topic as terminal: existing subscribers keep
// receiving already-buffered events, but the topic's history is retained
// for gracePeriod so a subscriber that attaches in that window still sees
// the terminal events, after which the topic is removed.
func (b *Bus) Drain(buildID string, gracePeriod time.Duration) {
	t := b.topicFor(buildID)
	t.mu.Lock()
	t.drained = true
	t.mu.Unlock()

	go func() {
		time.Sleep(gracePeriod)
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.topics[buildID]; ok && cur == t {
			delete(b.topics, buildID)
		}
	}()
}

// SubscriberCount reports how many subscribers buildId's topic currently
// has, for tests and diagnostics.
func (b *Bus) SubscriberCount(buildID string) int {
	t := b.topicFor(buildID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
