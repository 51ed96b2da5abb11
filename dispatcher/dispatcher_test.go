// SPDX-License-Identifier: ice License 1.0

package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/ice-blockchain/moar/dispatcher"
	"github.com/ice-blockchain/moar/model"
)

func TestInstance_FansOutMatchingEvents(t *testing.T) {
	in := dispatcher.NewInstance()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	sink := dispatcher.NewSink("sub1", model.Filters{{Kinds: []int{1}}}, nil)
	in.Subscribe("session1", sink)

	ev := &model.Event{Event: nostr.Event{ID: "abc", Kind: 1}}
	in.Publish(ev)

	select {
	case got := <-sink.Events():
		assert.Equal(t, "abc", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestInstance_OverloadCallbackFiresOnFullChannel(t *testing.T) {
	in := dispatcher.NewInstance()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	overloaded := make(chan struct{}, 1)
	sink := dispatcher.NewSink("s2", model.Filters{{Kinds: []int{1}}}, func() {
		select {
		case overloaded <- struct{}{}:
		default:
		}
	})
	in.Subscribe("session1", sink)
	go in.Run(ctx)

	for i := 0; i < dispatcher.DefaultBackpressure+10; i++ {
		in.Publish(&model.Event{Event: nostr.Event{ID: "x", Kind: 1}})
	}

	select {
	case <-overloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected overload callback to fire")
	}
}

func TestInstance_UnsubscribeRemovesSink(t *testing.T) {
	in := dispatcher.NewInstance()
	sink := dispatcher.NewSink("sub1", model.Filters{{Kinds: []int{1}}}, nil)
	in.Subscribe("session1", sink)
	in.Unsubscribe("session1", "sub1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)
	in.Publish(&model.Event{Event: nostr.Event{ID: "abc", Kind: 1}})

	select {
	case <-sink.Events():
		t.Fatal("expected no event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
