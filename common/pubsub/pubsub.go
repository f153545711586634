// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package pubsub is the in-process event bus. Publishing never blocks,
// a subscriber whose buffer is full is dropped and its channel closed.
package pubsub

import (
	"sync"

	"github.com/sugarlabs/sugar-network/proto"
)

const DefaultBuffer = 256

type (
	Subscriber struct {
		id   uint64
		cond map[string]string
		ch   chan *proto.Event
		// set under the publisher lock
		closed bool
	}

	// Hook is called synchronously for every published event, it must not block.
	Hook func(event *proto.Event)

	Publisher struct {
		lock   sync.RWMutex
		nextID uint64
		subs   map[uint64]*Subscriber
		hooks  []Hook
		closed bool
	}
)

func New() *Publisher {
	return &Publisher{subs: make(map[uint64]*Subscriber)}
}

// C returns the channel events are delivered on, it is closed when the
// subscriber is dropped.
func (s *Subscriber) C() <-chan *proto.Event {
	return s.ch
}

// Subscribe registers a subscriber whose condition must be a subset of
// the event fields.
func (p *Publisher) Subscribe(cond map[string]string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.nextID++
	s := &Subscriber{id: p.nextID, cond: cond, ch: make(chan *proto.Event, buffer)}
	if p.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	p.subs[s.id] = s
	return s
}

func (p *Publisher) Unsubscribe(s *Subscriber) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.drop(s)
}

func (p *Publisher) AddHook(hook Hook) {
	p.lock.Lock()
	p.hooks = append(p.hooks, hook)
	p.lock.Unlock()
}

func (p *Publisher) Publish(event *proto.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return
	}
	for _, s := range p.subs {
		if !event.Match(s.cond) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			p.drop(s)
		}
	}
	for _, hook := range p.hooks {
		hook(event)
	}
}

func (p *Publisher) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.subs)
}

func (p *Publisher) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
	for _, s := range p.subs {
		p.drop(s)
	}
	p.hooks = nil
}

func (p *Publisher) drop(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(p.subs, s.id)
	close(s.ch)
}
