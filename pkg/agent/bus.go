// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent orchestrates one chat request end to end: session
// resolution, persistence, cache probe, history, the reasoning worker and
// the event stream between them.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ragkit/sage/pkg/protocol"
)

// ErrCancelled is returned from Publish after the consumer has called
// Cancel. The producer must abort its work when it sees it.
var ErrCancelled = errors.New("event bus cancelled by consumer")

// dropTimeout bounds how long a droppable event may wait on a full bus
// before being discarded.
const dropTimeout = 50 * time.Millisecond

// Bus is a bounded FIFO event queue with one producer side (the reasoner)
// and one consumer (the response writer). Under back-pressure, droppable
// events are discarded after a short wait; answer chunks, documents and
// terminal events always block until there is room.
type Bus struct {
	ch        chan protocol.Event
	cancelled chan struct{}

	cancelOnce sync.Once
	closeOnce  sync.Once
}

// NewBus creates a bus with the given capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		ch:        make(chan protocol.Event, capacity),
		cancelled: make(chan struct{}),
	}
}

// Publish enqueues one event in FIFO order. It returns ErrCancelled once
// the consumer has gone away; droppable events may be silently discarded
// when the bus stays full.
func (b *Bus) Publish(event protocol.Event) error {
	select {
	case <-b.cancelled:
		return ErrCancelled
	default:
	}

	if event.Droppable() {
		timer := time.NewTimer(dropTimeout)
		defer timer.Stop()
		select {
		case b.ch <- event:
			return nil
		case <-b.cancelled:
			return ErrCancelled
		case <-timer.C:
			return nil
		}
	}

	select {
	case b.ch <- event:
		return nil
	case <-b.cancelled:
		return ErrCancelled
	}
}

// Consume returns the next event. ok=false means the producer closed the
// bus and everything has been drained, or ctx expired.
func (b *Bus) Consume(ctx context.Context) (protocol.Event, bool) {
	select {
	case event, open := <-b.ch:
		return event, open
	case <-ctx.Done():
		return protocol.Event{}, false
	}
}

// Close signals end-of-stream. Producer side only; events already queued
// remain consumable.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}

// Cancel signals that the consumer is gone. Safe to call multiple times
// and concurrently with Publish.
func (b *Bus) Cancel() {
	b.cancelOnce.Do(func() { close(b.cancelled) })
}
