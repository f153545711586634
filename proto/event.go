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

package proto

import "strconv"

const (
	EventCreate    = "create"
	EventUpdate    = "update"
	EventDelete    = "delete"
	EventCommit    = "commit"
	EventSync      = "sync"
	EventHandshake = "handshake"
	EventPing      = "ping"
	EventMount     = "mount"
	EventUnmount   = "unmount"
	EventAlert     = "alert"
	EventSyncError = "sync_error"
	EventSyncDone  = "sync_complete"
	EventPopulate  = "populate"
)

// Event is a change notification streamed over the subscription bus.
type Event struct {
	Event      string                 `json:"event"`
	Document   string                 `json:"document,omitempty"`
	Guid       string                 `json:"guid,omitempty"`
	Mountpoint string                 `json:"mountpoint,omitempty"`
	Seqno      uint64                 `json:"seqno,omitempty"`
	Mtime      int64                  `json:"mtime,omitempty"`
	Props      map[string]interface{} `json:"props,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

// Field returns the string form of a top level event field.
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "event":
		return e.Event, e.Event != ""
	case "document":
		return e.Document, e.Document != ""
	case "guid":
		return e.Guid, e.Guid != ""
	case "mountpoint":
		return e.Mountpoint, e.Mountpoint != ""
	case "seqno":
		return strconv.FormatUint(e.Seqno, 10), e.Seqno != 0
	case "name":
		return e.Name, e.Name != ""
	case "severity":
		return e.Severity, e.Severity != ""
	}
	return "", false
}

// Match reports whether the condition map is a subset of the event fields.
func (e *Event) Match(cond map[string]string) bool {
	for k, v := range cond {
		value, ok := e.Field(k)
		if !ok || value != v {
			return false
		}
	}
	return true
}

func (e *Event) Copy() *Event {
	event := *e
	if e.Props != nil {
		event.Props = make(map[string]interface{}, len(e.Props))
		for k, v := range e.Props {
			event.Props[k] = v
		}
	}
	return &event
}
