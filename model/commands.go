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

package model

import (
	"context"
	"sort"

	"github.com/sugarlabs/sugar-network/common/blobs"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	CmdClone = "clone"
	CmdFeed  = "feed"
)

type (
	Options struct {
		// Master nodes turn the first implement value of a new context
		// into its guid.
		Master bool
	}

	commands struct {
		processor *volume.Processor
		master    bool
		setProp   volume.Handler
	}
)

// Register adds the commands specific to the network resources.
func Register(p *volume.Processor, opts Options) {
	m := &commands{processor: p, master: opts.Master}
	if cmd := p.Lookup(proto.MethodPut, volume.LevelProp, "", ""); cmd != nil {
		m.setProp = cmd.Handler
	}
	authorOnly := resource.AccessAuth | resource.AccessAuthor
	p.Register(
		&volume.Command{Method: proto.MethodPost, Level: volume.LevelDocument, Document: Context, Access: resource.AccessAuth, Handler: m.createContext},
		&volume.Command{Method: proto.MethodDelete, Level: volume.LevelGuid, Document: User, Handler: m.deleteUser},
		&volume.Command{Method: proto.MethodPut, Level: volume.LevelProp, Document: Implementation, Access: authorOnly, Handler: m.uploadImplementation},
		&volume.Command{Method: proto.MethodGet, Level: volume.LevelGuid, Document: Context, Cmd: CmdClone, Handler: m.clone},
		&volume.Command{Method: proto.MethodGet, Level: volume.LevelGuid, Document: Context, Cmd: CmdFeed, Handler: m.feed},
	)
}

func (m *commands) createContext(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := m.processor.Volume().Directory(Context)
	if err != nil {
		return nil, err
	}
	props := req.ContentMap()
	if props == nil {
		props = make(map[string]interface{})
	}
	if err = volume.CheckAccess(dir.Schema(), props, resource.AccessCreate); err != nil {
		return nil, err
	}
	if implement := implementOf(props["implement"]); m.master && implement != "" {
		if !util.IsGuid(implement) {
			return nil, apierrors.BadRequest("malformed implement %q", implement)
		}
		props["guid"] = implement
	}
	rec, err := m.processor.CreateRecord(ctx, Context, props, req.Principal)
	if err != nil {
		return nil, err
	}
	return rec.Guid, nil
}

func implementOf(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			s, _ := v[0].(string)
			return s
		}
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (m *commands) deleteUser(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	return nil, apierrors.Forbidden("users cannot be deleted")
}

// uploadImplementation forces the bundle type for activity implementations.
func (m *commands) uploadImplementation(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if m.setProp == nil {
		return nil, apierrors.ErrNotHandled
	}
	if req.Prop == "data" {
		impl, err := m.processor.Record(ctx, Implementation, req.Guid)
		if err != nil {
			return nil, err
		}
		if m.isActivity(ctx, impl.String("context")) {
			req.ContentType = ActivityMimeType
		}
	}
	return m.setProp(ctx, req, resp)
}

func (m *commands) isActivity(ctx context.Context, guid string) bool {
	rec, err := m.processor.Record(ctx, Context, guid)
	if err != nil {
		return false
	}
	types, _ := rec.Props["type"].([]interface{})
	for _, typ := range types {
		if typ == "activity" {
			return true
		}
	}
	return false
}

// implementations returns implementations of the requested context
// matching version, stability and requires arguments, newest first.
func (m *commands) implementations(ctx context.Context, req *proto.Request) ([]*resource.Record, error) {
	if _, err := m.processor.Record(ctx, Context, req.Guid); err != nil {
		return nil, err
	}
	dir, err := m.processor.Volume().Directory(Implementation)
	if err != nil {
		return nil, err
	}
	stabilities := req.ArgList("stability")
	if len(stabilities) == 0 {
		stabilities = []string{DefaultStability}
	}
	q := &resource.Query{
		Terms:  map[string][]string{"context": {req.Guid}, "stability": stabilities},
		Layers: []string{resource.LayerPublic},
	}
	records, _, err := dir.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	version := req.Arg("version")
	requires := req.ArgList("requires")
	var ret []*resource.Record
	for _, rec := range records {
		if !MatchVersion(version, rec.String("version")) || !hasAll(rec.Props["requires"], requires) {
			continue
		}
		ret = append(ret, rec)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return CompareVersions(ret[i].String("version"), ret[j].String("version")) > 0
	})
	return ret, nil
}

func hasAll(value interface{}, wanted []string) bool {
	items, _ := value.([]interface{})
	for _, w := range wanted {
		found := false
		for _, item := range items {
			if item == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// clone streams the bundle of the best implementation.
func (m *commands) clone(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	impls, err := m.implementations(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(impls) == 0 {
		return nil, apierrors.NotFound("no implementations of %q match", req.Guid)
	}
	dir, err := m.processor.Volume().Directory(Implementation)
	if err != nil {
		return nil, err
	}
	prop, _ := dir.Schema().Prop("data")
	blob, err := m.processor.GetBlob(ctx, dir, impls[0], prop, req)
	if err != nil {
		return nil, err
	}
	resp.Set("X-Implementation", impls[0].Guid)
	return blob, nil
}

// feed lists implementations for the solver.
func (m *commands) feed(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	impls, err := m.implementations(ctx, req)
	if err != nil {
		return nil, err
	}
	dir, err := m.processor.Volume().Directory(Implementation)
	if err != nil {
		return nil, err
	}
	prop, _ := dir.Schema().Prop("data")
	result := make([]map[string]interface{}, 0, len(impls))
	for _, rec := range impls {
		item := map[string]interface{}{
			"guid":      rec.Guid,
			"version":   rec.String("version"),
			"stability": rec.String("stability"),
			"license":   rec.Props["license"],
			"requires":  rec.Props["requires"],
			"notes":     rec.Localized("notes", req.AcceptLanguage),
		}
		if meta, ok := rec.Props["data"].(*blobs.Meta); ok {
			item["data"] = map[string]interface{}{
				"url":       m.processor.BlobURL(Implementation, rec.Guid, prop, meta, req),
				"mime_type": meta.MimeType,
				"size":      meta.Size,
				"digest":    meta.Digest,
			}
		}
		result = append(result, item)
	}
	return map[string]interface{}{"context": req.Guid, "implementations": result}, nil
}
