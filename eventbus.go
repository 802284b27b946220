// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
)

// BusHandler receives the data map published to a channel. The map is
// shared with every other subscriber, not copied: handlers must treat it
// as read-only and not retain references into it beyond the call.
type BusHandler func(channel string, data map[string]interface{})

type busSub struct {
	id      string
	handler BusHandler
}

// Bus is a named-channel publish/subscribe dispatcher. Dispatch for a
// given Publish call is synchronous, runs in subscription-registration
// order, and isolates each subscriber: a panic or the subscriber simply
// misbehaving never prevents later subscribers on the same channel from
// running. Grounded on girc's Caller (caller.go), with its concurrent
// goroutine-per-callback fan-out replaced by ordered synchronous dispatch,
// since delivery order is required here, not merely convenient.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]busSub
	log  *log.Logger
}

// NewBus creates an empty Bus. A nil logger disables diagnostic logging.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	return &Bus{
		subs: make(map[string][]busSub),
		log:  logger,
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

const subIDBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randSubID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = subIDBytes[rand.Intn(len(subIDBytes))]
	}
	return string(b)
}

// Subscribe registers handler on channel and returns an id usable with
// Unsubscribe. Subscribers are invoked in the order they were registered.
func (b *Bus) Subscribe(channel string, handler BusHandler) (id string) {
	id = randSubID(16)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], busSub{id: id, handler: handler})
	b.mu.Unlock()

	return id
}

// Unsubscribe removes the subscriber with id from channel. ok is false if
// no such subscriber was registered.
func (b *Bus) Unsubscribe(channel, id string) (ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[channel]
	for i, s := range list {
		if s.id == id {
			b.subs[channel] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ClearChannel removes all subscribers on channel.
func (b *Bus) ClearChannel(channel string) {
	b.mu.Lock()
	delete(b.subs, channel)
	b.mu.Unlock()
}

// Publish dispatches data to every subscriber of channel, in registration
// order. A subscriber that panics is recovered and logged; siblings still
// run. The data map is not copied per-subscriber: handlers must treat it
// as read-only.
func (b *Bus) Publish(channel string, data map[string]interface{}) {
	b.mu.RLock()
	list := make([]busSub, len(b.subs[channel]))
	copy(list, b.subs[channel])
	b.mu.RUnlock()

	for _, s := range list {
		b.dispatchOne(channel, s, data)
	}
}

func (b *Bus) dispatchOne(channel string, s busSub, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Printf("tirc: event bus subscriber %s on %q panicked: %v", s.id, channel, r)
		}
	}()

	s.handler(channel, data)
}

// SubscriberCount returns the number of subscribers currently registered
// on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return fmt.Sprintf("<Bus() channels:%d subscribers:%d>", len(b.subs), total)
}
