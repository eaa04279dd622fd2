// Copyright 2025 The Reqon Authors
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

package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Listener handles a single event. Listeners must not block; long work
// belongs on the listener's own goroutine.
type Listener func(Event)

type subscription struct {
	id      int
	pattern string
	fn      Listener
}

// Bus dispatches events to pattern subscribers. Patterns use glob syntax over
// the dotted type name: "fetch.*" matches all fetch events, "**" matches
// everything, "rate.limited" matches exactly.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a listener for all event types matching pattern.
// The returned function removes the subscription.
func (b *Bus) Subscribe(pattern string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches the event to every matching subscriber. Dispatch is
// synchronous so a subscriber observes step.start before step.complete, but a
// subscriber panic is contained and logged rather than propagated.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	name := typeAsPath(evt.Type)
	for _, s := range subs {
		if matched, err := doublestar.Match(typeAsPath(Type(s.pattern)), name); err != nil || !matched {
			continue
		}
		b.dispatch(s.fn, evt)
	}
}

func (b *Bus) dispatch(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", string(evt.Type),
				"panic", r,
			)
		}
	}()
	fn(evt)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// typeAsPath rewrites a dotted event type into slash form so doublestar
// treats each dotted segment as a path element.
func typeAsPath(t Type) string {
	return strings.ReplaceAll(string(t), ".", "/")
}
