// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildforge/internal/bus"
	"buildforge/internal/domain"
	"buildforge/pkg/logging"
)

func TestSubscribe_ReceivesInOrder(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), logging.NewNopLogger())
	sub := b.Subscribe("build-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish("build-1", domain.Event{Type: domain.EventLog, Message: "line"})
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-sub.Events
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestSubscribe_LateSubscriberSeesHistory(t *testing.T) {
	b := bus.New(bus.Config{HistoryLength: 4, SlowSubscriberDropAt: 64}, logging.NewNopLogger())

	for i := 0; i < 3; i++ {
		b.Publish("build-2", domain.Event{Type: domain.EventPhase, Phase: domain.PhaseStarted})
	}

	sub := b.Subscribe("build-2")
	defer sub.Close()

	ev := <-sub.Events
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestSubscribe_TwoSubscribersFanOut(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), logging.NewNopLogger())

	sub1 := b.Subscribe("build-3")
	defer sub1.Close()

	b.Publish("build-3", domain.Event{Type: domain.EventLog, Message: "first"})

	sub2 := b.Subscribe("build-3")
	defer sub2.Close()

	b.Publish("build-3", domain.Event{Type: domain.EventLog, Message: "second"})

	ev1a := <-sub1.Events
	ev1b := <-sub1.Events
	assert.Equal(t, "first", ev1a.Message)
	assert.Equal(t, "second", ev1b.Message)

	ev2a := <-sub2.Events
	assert.Equal(t, uint64(1), ev2a.Seq)
	assert.LessOrEqual(t, ev2a.Seq, ev1a.Seq)
}

func TestPublish_SlowSubscriberIsDropped(t *testing.T) {
	b := bus.New(bus.Config{HistoryLength: 4, SlowSubscriberDropAt: 2}, logging.NewNopLogger())
	sub := b.Subscribe("build-4")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish("build-4", domain.Event{Type: domain.EventLog})
	}

	select {
	case <-sub.Dropped:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be dropped for falling behind")
	}
}

func TestClose_Unsubscribes(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), logging.NewNopLogger())
	sub := b.Subscribe("build-5")
	require.Equal(t, 1, b.SubscriberCount("build-5"))
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("build-5"))
}

func TestDrain_RemovesTopicAfterGrace(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), logging.NewNopLogger())
	b.Publish("build-6", domain.Event{Type: domain.EventStatus, Status: domain.BuildCompleted})
	b.Drain("build-6", 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	sub := b.Subscribe("build-6")
	defer sub.Close()
	// topic was recreated fresh after drain removed it, so no history survives
	select {
	case ev := <-sub.Events:
		t.Fatalf("expected no replayed history after drain, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
