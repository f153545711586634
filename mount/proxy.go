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

package mount

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/volume"
)

// properties copied from the remote record into a home shadow record
var mirrorProps = []string{"type", "title", "summary", "implement", "context", "mime_types"}

// Proxy mixes home-local properties into requests another caller serves.
// Local properties never leave the home volume.
type Proxy struct {
	home  *volume.Processor
	inner proto.Caller
}

func NewProxy(home *volume.Processor, inner proto.Caller) *Proxy {
	return &Proxy{home: home, inner: inner}
}

func (p *Proxy) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if !proto.IsProxyDocument(req.Document) || req.Cmd != "" {
		return p.inner.Call(ctx, req, resp)
	}
	switch req.Method {
	case proto.MethodGet:
		switch {
		case req.Guid == "":
			return p.find(ctx, req, resp)
		case req.Prop == "":
			return p.get(ctx, req, resp)
		case proto.IsLocalProp(req.Prop):
			return p.localValue(ctx, req.Document, req.Guid, req.Prop)
		}
	case proto.MethodPost:
		if req.Guid == "" {
			return p.create(ctx, req, resp)
		}
	case proto.MethodPut:
		switch {
		case req.Prop == "" && req.Guid != "":
			return p.update(ctx, req, resp)
		case proto.IsLocalProp(req.Prop):
			return nil, p.setLocal(ctx, req, map[string]interface{}{req.Prop: req.Content})
		}
	}
	return p.inner.Call(ctx, req, resp)
}

// splitReply returns the forwarded reply and the local properties asked.
func splitReply(req *proto.Request) ([]string, []string) {
	var remote, local []string
	for _, name := range req.ArgList("reply") {
		if proto.IsLocalProp(name) {
			local = append(local, name)
		} else {
			remote = append(remote, name)
		}
	}
	return remote, local
}

func (p *Proxy) get(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	remote, local := splitReply(req)
	if len(local) == 0 {
		return p.inner.Call(ctx, req, resp)
	}
	forward := req.Clone()
	if len(remote) == 0 {
		remote = []string{"guid"}
	}
	forward.SetArg("reply", remote...)
	result, err := p.inner.Call(ctx, forward, resp)
	if err != nil {
		return nil, err
	}
	reply, ok := result.(map[string]interface{})
	if !ok {
		return result, nil
	}
	if err = p.mixin(ctx, req.Document, req.Guid, local, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *Proxy) find(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	// filtering by a local property is only possible on the home volume
	for name := range req.Args {
		if proto.IsLocalProp(name) {
			return p.home.Call(ctx, req, resp)
		}
	}
	remote, local := splitReply(req)
	if len(local) == 0 {
		return p.inner.Call(ctx, req, resp)
	}
	forward := req.Clone()
	forward.SetArg("reply", append(remote, "guid")...)
	result, err := p.inner.Call(ctx, forward, resp)
	if err != nil {
		return nil, err
	}
	reply, ok := result.(map[string]interface{})
	if !ok {
		return result, nil
	}
	items := resultItems(reply["result"])
	for _, item := range items {
		guid, _ := item["guid"].(string)
		if err = p.mixin(ctx, req.Document, guid, local, item); err != nil {
			return nil, err
		}
	}
	reply["result"] = items
	return reply, nil
}

// resultItems accepts the typed list of a local processor and the decoded
// json of a remote one.
func resultItems(value interface{}) []map[string]interface{} {
	switch v := value.(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		items := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return items
	}
	return nil
}

func (p *Proxy) mixin(ctx context.Context, document, guid string, names []string, reply map[string]interface{}) error {
	dir, err := p.home.Volume().Directory(document)
	if err != nil {
		return err
	}
	var rec *resource.Record
	if guid != "" && dir.Exists(guid) {
		if rec, err = dir.Get(ctx, guid); err != nil {
			return err
		}
	}
	for _, name := range names {
		prop, err := dir.Schema().MustProp(name)
		if err != nil {
			return err
		}
		if rec != nil {
			if value, ok := rec.Props[name]; ok {
				reply[name] = value
				continue
			}
		}
		reply[name] = prop.DefaultValue()
	}
	return nil
}

func (p *Proxy) localValue(ctx context.Context, document, guid, name string) (interface{}, error) {
	reply := make(map[string]interface{}, 1)
	if err := p.mixin(ctx, document, guid, []string{name}, reply); err != nil {
		return nil, err
	}
	return reply[name], nil
}

// popLocal moves local properties out of the request content.
func popLocal(req *proto.Request) (*proto.Request, map[string]interface{}) {
	content := req.ContentMap()
	if content == nil {
		return req, nil
	}
	forward := req.Clone()
	remote := forward.ContentMap()
	local := make(map[string]interface{})
	for name, value := range content {
		if proto.IsLocalProp(name) {
			local[name] = value
			delete(remote, name)
		}
	}
	return forward, local
}

func (p *Proxy) create(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	forward, local := popLocal(req)
	result, err := p.inner.Call(ctx, forward, resp)
	if err != nil || len(local) == 0 {
		return result, err
	}
	guid, _ := result.(string)
	forward.Guid = guid
	return result, p.setLocal(ctx, forward, local)
}

func (p *Proxy) update(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	forward, local := popLocal(req)
	if len(local) > 0 && len(forward.ContentMap()) == 0 {
		return nil, p.setLocal(ctx, req, local)
	}
	result, err := p.inner.Call(ctx, forward, resp)
	if err != nil || len(local) == 0 {
		return result, err
	}
	return result, p.setLocal(ctx, req, local)
}

// setLocal writes local properties into the home volume, a missing home
// record is created as a shadow of the remote one.
func (p *Proxy) setLocal(ctx context.Context, req *proto.Request, local map[string]interface{}) error {
	if req.Guid == "" {
		return apierrors.BadRequest("no guid to set local properties of")
	}
	dir, err := p.home.Volume().Directory(req.Document)
	if err != nil {
		return err
	}
	if dir.Exists(req.Guid) {
		return dir.Update(ctx, req.Guid, local)
	}

	props := make(map[string]interface{}, len(local)+len(mirrorProps)+1)
	var mirror []string
	for _, name := range mirrorProps {
		if _, ok := dir.Schema().Prop(name); ok {
			mirror = append(mirror, name)
		}
	}
	if len(mirror) > 0 {
		get := proto.NewRequest(proto.MethodGet, req.Document, req.Guid)
		get.SetArg("reply", mirror...)
		get.Principal = req.Principal
		get.AcceptLanguage = req.AcceptLanguage
		result, err := p.inner.Call(ctx, get, proto.NewResponse())
		if err != nil {
			return err
		}
		if remote, ok := result.(map[string]interface{}); ok {
			for _, name := range mirror {
				if value, ok := remote[name]; ok && value != nil {
					props[name] = value
				}
			}
		}
	}
	for name, value := range local {
		props[name] = value
	}
	props["guid"] = req.Guid
	if _, err = dir.Create(ctx, props); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("shadow %s %s created in home", req.Document, req.Guid)
	return nil
}
