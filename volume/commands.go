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

package volume

import (
	"context"
	"mime"
	"net/url"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/blobs"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
)

const (
	CmdStat    = "stat"
	CmdUserAdd = "useradd"
	CmdUserDel = "userdel"
)

func (p *Processor) commonCommands() []*Command {
	authorOnly := resource.AccessAuth | resource.AccessAuthor
	return []*Command{
		{Method: proto.MethodGet, Level: LevelVolume, Cmd: CmdStat, Handler: p.stat},
		{Method: proto.MethodGet, Level: LevelDocument, Handler: p.find},
		{Method: proto.MethodGet, Level: LevelGuid, Handler: p.get},
		{Method: proto.MethodGet, Level: LevelProp, Handler: p.getProp},
		{Method: proto.MethodPost, Level: LevelDocument, Access: resource.AccessAuth, Handler: p.create},
		{Method: proto.MethodPut, Level: LevelGuid, Access: authorOnly, Handler: p.update},
		{Method: proto.MethodPut, Level: LevelProp, Access: authorOnly, Handler: p.setProp},
		{Method: proto.MethodDelete, Level: LevelGuid, Access: authorOnly, Handler: p.delete},
		{Method: proto.MethodPut, Level: LevelGuid, Cmd: CmdUserAdd, Access: authorOnly, Handler: p.userAdd},
		{Method: proto.MethodPut, Level: LevelGuid, Cmd: CmdUserDel, Access: authorOnly, Handler: p.userDel},
	}
}

func (p *Processor) stat(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	guid, err := p.volume.Guid()
	if err != nil {
		return nil, err
	}
	documents := make(map[string]interface{}, len(p.volume.names))
	for _, name := range p.volume.names {
		documents[name] = map[string]interface{}{"mtime": p.volume.dirs[name].Mtime()}
	}
	return map[string]interface{}{
		"guid":      guid,
		"seqno":     p.volume.Seqno(),
		"mtime":     p.volume.Mtime(),
		"documents": documents,
	}, nil
}

func (p *Processor) find(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	q, err := resource.ParseQuery(dir.Schema(), req.Args, p.volume.cfg.FindLimit)
	if err != nil {
		return nil, err
	}
	q.Langs = req.AcceptLanguage
	reply, err := ReplyProps(dir.Schema(), req)
	if err != nil {
		return nil, err
	}
	records, total, err := dir.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	result := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		result = append(result, p.Reply(dir.Schema(), rec, reply, req))
	}
	return map[string]interface{}{"total": total, "result": result}, nil
}

// Record loads a record hiding deleted ones.
func (p *Processor) Record(ctx context.Context, document, guid string) (*resource.Record, error) {
	dir, err := p.volume.Directory(document)
	if err != nil {
		return nil, err
	}
	rec, err := dir.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted() {
		return nil, apierrors.NotFound("%s %q not found", document, guid)
	}
	return rec, nil
}

func (p *Processor) get(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	reply, err := ReplyProps(dir.Schema(), req)
	if err != nil {
		return nil, err
	}
	rec, err := p.Record(ctx, req.Document, req.Guid)
	if err != nil {
		return nil, err
	}
	return p.Reply(dir.Schema(), rec, reply, req), nil
}

func (p *Processor) getProp(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	prop, err := dir.Schema().MustProp(req.Prop)
	if err != nil {
		return nil, err
	}
	if !prop.Is(resource.AccessRead) {
		return nil, apierrors.Forbidden("property %q is not readable", req.Prop)
	}
	rec, err := p.Record(ctx, req.Document, req.Guid)
	if err != nil {
		return nil, err
	}
	if prop.Kind == resource.KindBlob {
		return p.GetBlob(ctx, dir, rec, prop, req)
	}
	value, ok := rec.Props[prop.Name]
	if !ok {
		value = prop.DefaultValue()
	}
	if prop.Kind == resource.KindLocalized {
		text, _ := value.(map[string]string)
		return resource.Localized(text, req.AcceptLanguage), nil
	}
	return value, nil
}

// GetBlob opens BLOB content naming the file after the record title,
// relative redirects are resolved against the static prefix.
func (p *Processor) GetBlob(ctx context.Context, dir *resource.Directory, rec *resource.Record, prop *resource.Property, req *proto.Request) (*proto.Blob, error) {
	blob, err := dir.GetBlob(ctx, rec.Guid, prop.Name)
	if err != nil {
		if redirect, ok := err.(*apierrors.RedirectError); ok && strings.HasPrefix(redirect.Location, "/") {
			return nil, apierrors.Redirect(p.staticPrefix(req) + redirect.Location)
		}
		return nil, err
	}
	title := rec.Localized("title", req.AcceptLanguage)
	if title == "" {
		title = prop.Name
	}
	blob.Filename = title
	if exts, _ := mime.ExtensionsByType(blob.MimeType); len(exts) > 0 {
		blob.Filename += exts[0]
	}
	return blob, nil
}

func (p *Processor) create(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	props := req.ContentMap()
	if props == nil {
		props = make(map[string]interface{})
	}
	if err = CheckAccess(dir.Schema(), props, resource.AccessCreate); err != nil {
		return nil, err
	}
	rec, err := p.CreateRecord(ctx, req.Document, props, req.Principal)
	if err != nil {
		return nil, err
	}
	return rec.Guid, nil
}

// CreateRecord stores a new record authored by principal.
func (p *Processor) CreateRecord(ctx context.Context, document string, props map[string]interface{}, principal string) (*resource.Record, error) {
	dir, err := p.volume.Directory(document)
	if err != nil {
		return nil, err
	}
	if principal != "" {
		authors := resource.Authors{}
		name, role := p.author(ctx, principal)
		authors.Add(principal, name, role|resource.RoleOriginal)
		props["author"] = authors
	}
	rec, err := dir.Create(ctx, props)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Debugf("created %s %s at seqno %d", document, rec.Guid, rec.Seqno())
	return rec, nil
}

// author returns the name and the system role of a user, users without
// a record are still allowed as authors.
func (p *Processor) author(ctx context.Context, uid string) (string, int) {
	users, ok := p.volume.dirs[userDocument]
	if !ok {
		return "", 0
	}
	rec, err := users.Get(ctx, uid)
	if err != nil || rec.IsDeleted() {
		return "", 0
	}
	return rec.String("name"), resource.RoleInSystem
}

func (p *Processor) update(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	props := req.ContentMap()
	if err = CheckAccess(dir.Schema(), props, resource.AccessWrite); err != nil {
		return nil, err
	}
	if _, err = p.Record(ctx, req.Document, req.Guid); err != nil {
		return nil, err
	}
	return nil, dir.Update(ctx, req.Guid, props)
}

func (p *Processor) setProp(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	prop, err := dir.Schema().MustProp(req.Prop)
	if err != nil {
		return nil, err
	}
	if !prop.Is(resource.AccessWrite) {
		return nil, apierrors.Forbidden("property %q is not writable", req.Prop)
	}
	if _, err = p.Record(ctx, req.Document, req.Guid); err != nil {
		return nil, err
	}
	if prop.Kind != resource.KindBlob {
		return nil, dir.Update(ctx, req.Guid, map[string]interface{}{prop.Name: req.Content})
	}

	if content := req.ContentMap(); content != nil {
		location, _ := content["url"].(string)
		if location == "" {
			return nil, apierrors.BadRequest("blob url is not set")
		}
		mimeType, _ := content["mime_type"].(string)
		_, err = dir.SetBlobURL(ctx, req.Guid, prop.Name, location, mimeType)
		return nil, err
	}
	if req.ContentStream == nil {
		return nil, apierrors.BadRequest("no blob content")
	}
	mimeType := req.ContentType
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	_, err = dir.SetBlob(ctx, req.Guid, prop.Name, req.ContentStream, mimeType)
	return nil, err
}

func (p *Processor) delete(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return nil, err
	}
	return nil, dir.Delete(ctx, req.Guid)
}

func (p *Processor) userAdd(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	user := req.Arg("user")
	if user == "" {
		return nil, apierrors.BadRequest("user is not set")
	}
	rec, err := p.Record(ctx, req.Document, req.Guid)
	if err != nil {
		return nil, err
	}
	name, role := p.author(ctx, user)
	if req.HasArg("name") {
		name = req.Arg("name")
	}
	authors := rec.Authors().Copy()
	authors.Add(user, name, role|req.ArgInt("role", 0))
	dir, _ := p.volume.Directory(req.Document)
	return nil, dir.Update(ctx, req.Guid, map[string]interface{}{"author": authors})
}

func (p *Processor) userDel(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	user := req.Arg("user")
	if user == "" {
		return nil, apierrors.BadRequest("user is not set")
	}
	if user == req.Principal {
		return nil, apierrors.Forbidden("authors cannot remove themselves")
	}
	rec, err := p.Record(ctx, req.Document, req.Guid)
	if err != nil {
		return nil, err
	}
	authors := rec.Authors().Copy()
	if !authors.Remove(user) {
		return nil, apierrors.NotFound("%q is not an author", user)
	}
	dir, _ := p.volume.Directory(req.Document)
	return nil, dir.Update(ctx, req.Guid, map[string]interface{}{"author": authors})
}

// CheckAccess rejects properties missing the access bit with Forbidden.
func CheckAccess(schema *resource.Schema, props map[string]interface{}, access int) error {
	for name := range props {
		prop, err := schema.MustProp(name)
		if err != nil {
			return err
		}
		if !prop.Is(access) {
			return apierrors.Forbidden("property %q cannot be set", name)
		}
	}
	return nil
}

// ReplyProps returns the properties a find or get replies with.
func ReplyProps(schema *resource.Schema, req *proto.Request) ([]string, error) {
	names := req.ArgList("reply")
	if len(names) == 0 {
		return schema.Readable(), nil
	}
	for _, name := range names {
		prop, err := schema.MustProp(name)
		if err != nil {
			return nil, err
		}
		if !prop.Is(resource.AccessRead) {
			return nil, apierrors.Forbidden("property %q is not readable", name)
		}
	}
	return names, nil
}

// Reply renders a record for the caller, localized values are resolved
// and BLOBs become urls.
func (p *Processor) Reply(schema *resource.Schema, rec *resource.Record, names []string, req *proto.Request) map[string]interface{} {
	ret := make(map[string]interface{}, len(names))
	for _, name := range names {
		prop, _ := schema.Prop(name)
		value, ok := rec.Props[name]
		if !ok && prop.Kind != resource.KindBlob {
			value = prop.DefaultValue()
		}
		switch prop.Kind {
		case resource.KindLocalized:
			text, _ := value.(map[string]string)
			ret[name] = resource.Localized(text, req.AcceptLanguage)
		case resource.KindBlob:
			meta, _ := value.(*blobs.Meta)
			ret[name] = p.BlobURL(schema.Name, rec.Guid, prop, meta, req)
		case resource.KindAuthors:
			ret[name] = AuthorsReply(rec.Authors())
		default:
			ret[name] = value
		}
	}
	return ret
}

func AuthorsReply(authors resource.Authors) []map[string]interface{} {
	ret := make([]map[string]interface{}, 0, len(authors))
	for _, uid := range authors.Ordered() {
		author := authors[uid]
		ret = append(ret, map[string]interface{}{"guid": uid, "name": author.Name, "role": author.Role})
	}
	return ret
}

// BlobURL is where the BLOB can be downloaded from, empty when there is
// nothing to download.
func (p *Processor) BlobURL(document, guid string, prop *resource.Property, meta *blobs.Meta, req *proto.Request) string {
	prefix := p.staticPrefix(req)
	if meta == nil {
		if prop.Placeholder != "" && !prop.Is(resource.AccessAuthor) {
			return prefix + prop.Placeholder
		}
		return ""
	}
	if meta.URL != "" {
		return meta.URL
	}
	location := prefix + "/" + document + "/" + guid + "/" + prop.Name
	if req.Mountpoint != "" && req.Mountpoint != proto.MountpointRoot {
		location += "?mountpoint=" + url.QueryEscape(req.Mountpoint)
	}
	return location
}

func (p *Processor) staticPrefix(req *proto.Request) string {
	if p.volume.cfg.StaticURL != "" {
		return strings.TrimRight(p.volume.cfg.StaticURL, "/")
	}
	return strings.TrimRight(req.StaticPrefix, "/")
}
