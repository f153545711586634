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

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/volume"
)

// HomeMount serves the private home volume, it is always mounted.
type HomeMount struct {
	base
	processor *volume.Processor
	bundles   *Bundles
}

func NewHomeMount(processor *volume.Processor, bundles *Bundles) *HomeMount {
	m := &HomeMount{
		base:      base{mountpoint: proto.MountpointHome},
		processor: processor,
		bundles:   bundles,
	}
	m.follow(processor.Volume().Publisher())
	m.setState(Mounted)
	return m
}

func (m *HomeMount) Processor() *volume.Processor {
	return m.processor
}

func (m *HomeMount) Bundles() *Bundles {
	return m.bundles
}

func (m *HomeMount) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	switch {
	case req.Method == proto.MethodGet && req.Document == model.Context && req.Guid != "" && req.Cmd == model.CmdFeed:
		return m.feed(ctx, req, resp)
	case req.Method == proto.MethodGet && req.Document == model.Implementation && req.Prop == "data":
		if bundle, err := m.bundles.Find(req.Guid); err == nil {
			return m.bundles.Open(bundle)
		}
	}
	return m.processor.Call(ctx, req, resp)
}

// feed lists implementations cloned onto the disk, the home volume does
// not keep implementation records of its own.
func (m *HomeMount) feed(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	bundles, err := m.bundles.List(req.Guid)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, apierrors.NotFound("%q is not cloned", req.Guid)
	}
	impls := make([]map[string]interface{}, 0, len(bundles))
	for _, bundle := range bundles {
		impls = append(impls, map[string]interface{}{
			"guid":      bundle.Guid,
			"version":   bundle.Version,
			"stability": bundle.Stability,
			"data": map[string]interface{}{
				"url":       "",
				"mime_type": bundle.MimeType,
				"size":      bundle.Size,
				"digest":    bundle.Digest,
				"path":      m.bundles.path(bundle.Context, bundle.Guid),
			},
		})
	}
	return map[string]interface{}{"context": req.Guid, "implementations": impls}, nil
}

func (m *HomeMount) Close() {
	m.unfollow()
	m.setState(Unmounted)
}
