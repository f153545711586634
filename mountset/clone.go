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

package mountset

import (
	"context"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/mount"
	"github.com/sugarlabs/sugar-network/proto"
)

const (
	cloneNone   = 0
	cloneCloned = 2
)

// clone fetches the best implementation of a context into home bundles,
// a false value drops the bundles again.
func (s *Mountset) clone(ctx context.Context, m mount.Mount, req *proto.Request) error {
	home := s.Home()
	if home == nil {
		return apierrors.Unavailable("%s is not mounted", proto.MountpointHome)
	}
	span := trace.SpanFromContextSafe(ctx)
	if !wantClone(req.Content) {
		if err := home.Bundles().Remove(req.Guid); err != nil {
			return err
		}
		return setClone(ctx, m, req, cloneNone)
	}

	get := proto.NewRequest(proto.MethodGet, model.Context, req.Guid)
	get.Cmd = model.CmdClone
	for _, name := range []string{"version", "stability", "requires"} {
		if values, ok := req.Args[name]; ok {
			get.SetArg(name, values...)
		}
	}
	get.Principal = req.Principal
	get.AcceptLanguage = req.AcceptLanguage
	resp := proto.NewResponse()
	result, err := m.Call(ctx, get, resp)
	if err != nil {
		return err
	}
	blob, ok := result.(*proto.Blob)
	if !ok {
		return apierrors.BadRequest("no bundle to clone for %q", req.Guid)
	}
	defer blob.Reader.Close()

	bundle := &mount.Bundle{
		Context:  req.Guid,
		Guid:     resp.Header.Get("X-Implementation"),
		MimeType: blob.MimeType,
	}
	if bundle.Guid == "" {
		return apierrors.BadRequest("%q did not name the cloned implementation", req.Guid)
	}
	info := proto.NewRequest(proto.MethodGet, model.Implementation, bundle.Guid)
	info.SetArg("reply", "version", "stability")
	info.Principal = req.Principal
	if result, err = m.Call(ctx, info, proto.NewResponse()); err != nil {
		return err
	}
	if props, ok := result.(map[string]interface{}); ok {
		bundle.Version, _ = props["version"].(string)
		bundle.Stability, _ = props["stability"].(string)
	}
	if err = home.Bundles().Put(ctx, bundle, blob.Reader); err != nil {
		return err
	}
	span.Infof("cloned %s version %s of %s", bundle.Guid, bundle.Version, req.Guid)
	return setClone(ctx, m, req, cloneCloned)
}

func setClone(ctx context.Context, m mount.Mount, req *proto.Request, value int) error {
	put := proto.NewRequest(proto.MethodPut, model.Context, req.Guid, "clone")
	put.Content = value
	put.Principal = req.Principal
	_, err := m.Call(ctx, put, proto.NewResponse())
	return err
}

func wantClone(content interface{}) bool {
	switch v := content.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	return false
}
