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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
)

// request levels, the number of path segments
const (
	LevelVolume = iota
	LevelDocument
	LevelGuid
	LevelProp
)

const userDocument = "user"

type (
	Handler func(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error)

	// Command is one row of the command table. An empty Document matches
	// every document of the volume.
	Command struct {
		Method   string
		Level    int
		Document string
		Cmd      string
		// Access takes resource.AccessAuth and resource.AccessAuthor.
		Access  int
		Handler Handler
	}

	commandKey struct {
		method   string
		level    int
		document string
		cmd      string
	}

	// Processor serves requests against a volume by the command table.
	Processor struct {
		volume   *Volume
		commands map[commandKey]*Command
		admins   map[string]bool
	}
)

func LevelOf(req *proto.Request) int {
	switch {
	case req.Document == "":
		return LevelVolume
	case req.Guid == "":
		return LevelDocument
	case req.Prop == "":
		return LevelGuid
	}
	return LevelProp
}

func NewProcessor(v *Volume) *Processor {
	p := &Processor{
		volume:   v,
		commands: make(map[commandKey]*Command),
		admins:   make(map[string]bool),
	}
	for _, uid := range v.cfg.Admins {
		p.admins[uid] = true
	}
	p.Register(p.commonCommands()...)
	return p
}

func (p *Processor) Volume() *Volume {
	return p.volume
}

// Register adds commands, a later registration of the same key wins.
func (p *Processor) Register(cmds ...*Command) {
	for _, cmd := range cmds {
		p.commands[commandKey{method: cmd.Method, level: cmd.Level, document: cmd.Document, cmd: cmd.Cmd}] = cmd
	}
}

// Lookup returns the command registered for exactly this key.
func (p *Processor) Lookup(method string, level int, document, cmd string) *Command {
	return p.commands[commandKey{method: method, level: level, document: document, cmd: cmd}]
}

func (p *Processor) resolve(req *proto.Request) *Command {
	level := LevelOf(req)
	key := commandKey{method: req.Method, level: level, document: req.Document, cmd: req.Cmd}
	if cmd, ok := p.commands[key]; ok {
		return cmd
	}
	if level == LevelVolume || !p.volume.Has(req.Document) {
		return nil
	}
	key.document = ""
	return p.commands[key]
}

// Call runs the command the request resolves to, ErrNotHandled tells the
// caller to try the next processor.
func (p *Processor) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	cmd := p.resolve(req)
	if cmd == nil {
		return nil, apierrors.ErrNotHandled
	}
	if err := p.authorize(ctx, cmd, req); err != nil {
		trace.SpanFromContextSafe(ctx).Debugf("%s %s denied for %q: %s", req.Method, req.URLPath(), req.Principal, err)
		return nil, err
	}
	return cmd.Handler(ctx, req, resp)
}

func (p *Processor) IsAdmin(principal string) bool {
	return principal != "" && p.admins[principal]
}

func (p *Processor) authorize(ctx context.Context, cmd *Command, req *proto.Request) error {
	if cmd.Access&resource.AccessAuth != 0 && req.Principal == "" {
		return apierrors.Unauthorized("user is not authenticated")
	}
	if cmd.Access&resource.AccessAuthor == 0 || req.Guid == "" || p.IsAdmin(req.Principal) {
		return nil
	}
	if req.Document == userDocument && req.Guid == req.Principal {
		return nil
	}
	dir, err := p.volume.Directory(req.Document)
	if err != nil {
		return err
	}
	rec, err := dir.Get(ctx, req.Guid)
	if err != nil {
		return err
	}
	if !rec.Authors().Has(req.Principal) {
		return apierrors.Forbidden("%q is not an author of %s %q", req.Principal, req.Document, req.Guid)
	}
	return nil
}
