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

package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/proto"
)

const (
	argOnlyCommits = "only_commits"
	argPing        = "ping"
)

// subscribe streams bus events as server sent events until the client
// goes away. Remaining arguments are the subscription condition.
func (r *Router) subscribe(ctx context.Context, w http.ResponseWriter, req *proto.Request) {
	span := trace.SpanFromContextSafe(ctx)
	onlyCommits := req.ArgBool(argOnlyCommits)
	cond := make(map[string]string)
	for name, values := range req.Args {
		if name == argOnlyCommits || name == argPing || len(values) == 0 {
			continue
		}
		cond[name] = values[0]
	}

	sub := r.publisher.Subscribe(cond, 0)
	defer r.publisher.Unsubscribe(sub)
	metrics.Subscribers.Inc()
	defer metrics.Subscribers.Dec()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	out := &flushWriter{w: w}
	if err := writeSSE(out, &proto.Event{Event: proto.EventHandshake}); err != nil {
		return
	}

	var ping <-chan time.Time
	if req.ArgBool(argPing) {
		ticker := time.NewTicker(time.Duration(r.cfg.PingIntervalS) * time.Second)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		var event *proto.Event
		select {
		case <-ctx.Done():
			return
		case <-ping:
			event = &proto.Event{Event: proto.EventPing}
		case e, ok := <-sub.C():
			if !ok {
				span.Warn("subscriber is dropped")
				return
			}
			event = e
			if onlyCommits {
				if event.Event != proto.EventCommit {
					continue
				}
				event = event.Copy()
				event.Event = proto.EventSync
			}
		}
		if err := writeSSE(out, event); err != nil {
			span.Debugf("subscriber disconnected: %s", err)
			return
		}
	}
}

func writeSSE(w *flushWriter, event *proto.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err = w.Write(buf)
	return err
}
