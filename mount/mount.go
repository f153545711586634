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

// Package mount implements the backends a mountset routes requests to:
// the home volume, a remote master and a local network node.
package mount

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sugarlabs/sugar-network/common/pubsub"
	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/proto"
)

type State int32

const (
	Unmounted State = iota
	Mounting
	Mounted
)

func (s State) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	}
	return "unmounted"
}

type (
	// PublishFunc receives events of a mount, they are already tagged
	// with its mountpoint.
	PublishFunc func(event *proto.Event)

	Mount interface {
		proto.Caller
		Mountpoint() string
		State() State
		Mounted() bool
		SetPublisher(publish PublishFunc)
		// Connect asks a disconnected mount to retry right away.
		Connect()
		Close()
	}
)

// base keeps the state and the publisher shared by all mounts.
type base struct {
	mountpoint string
	state      int32

	lock    sync.RWMutex
	publish PublishFunc

	// set by follow
	bus    *pubsub.Publisher
	sub    *pubsub.Subscriber
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *base) Mountpoint() string {
	return b.mountpoint
}

func (b *base) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *base) Mounted() bool {
	return b.State() == Mounted
}

func (b *base) SetPublisher(publish PublishFunc) {
	b.lock.Lock()
	b.publish = publish
	b.lock.Unlock()
}

func (b *base) Connect() {}

// setState publishes mount and unmount events on transitions.
func (b *base) setState(state State) {
	old := State(atomic.SwapInt32(&b.state, int32(state)))
	metrics.MountState.WithLabelValues(b.mountpoint).Set(float64(state))
	if old == state {
		return
	}
	switch {
	case state == Mounted:
		b.emit(&proto.Event{Event: proto.EventMount})
	case old == Mounted:
		b.emit(&proto.Event{Event: proto.EventUnmount})
	}
}

func (b *base) emit(event *proto.Event) {
	b.lock.RLock()
	publish := b.publish
	b.lock.RUnlock()
	if publish == nil {
		return
	}
	if event.Mountpoint == "" {
		event.Mountpoint = b.mountpoint
	}
	publish(event)
}

// follow relays events of a local volume bus until unfollow.
func (b *base) follow(bus *pubsub.Publisher) {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.bus = bus
	b.sub = bus.Subscribe(nil, 0)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.relay(ctx, b.sub.C())
	}()
}

func (b *base) unfollow() {
	if b.bus == nil {
		return
	}
	b.cancel()
	b.bus.Unsubscribe(b.sub)
	<-b.done
	b.bus = nil
}

// relay re-publishes events of a volume bus under the mountpoint.
func (b *base) relay(ctx context.Context, events <-chan *proto.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			event = event.Copy()
			event.Mountpoint = b.mountpoint
			b.emit(event)
		}
	}
}
