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

	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/volume"
)

// NodeMount serves a local volume that takes part in synchronization,
// e.g. a node found on removable media.
type NodeMount struct {
	base
	volume *volume.Volume
	caller proto.Caller
	owned  bool
}

// NewNodeMount mounts a volume opened by the caller.
func NewNodeMount(mountpoint string, v *volume.Volume, caller proto.Caller) *NodeMount {
	m := &NodeMount{
		base:   base{mountpoint: mountpoint},
		volume: v,
		caller: caller,
	}
	m.follow(v.Publisher())
	m.setState(Mounted)
	return m
}

// OpenNodeMount opens the volume under root and mixes local properties
// of home into its documents. The volume is closed with the mount.
func OpenNodeMount(ctx context.Context, mountpoint, root string, home *volume.Processor, cfg volume.Config) (*NodeMount, error) {
	var schemas []*resource.Schema
	for _, name := range home.Volume().Documents() {
		dir, err := home.Volume().Directory(name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, dir.Schema())
	}
	v, err := volume.Open(ctx, root, schemas, cfg)
	if err != nil {
		return nil, err
	}
	processor := volume.NewProcessor(v)
	model.Register(processor, model.Options{})
	m := NewNodeMount(mountpoint, v, NewProxy(home, processor))
	m.owned = true
	return m, nil
}

func (m *NodeMount) Volume() *volume.Volume {
	return m.volume
}

func (m *NodeMount) Guid() (string, error) {
	return m.volume.Guid()
}

func (m *NodeMount) Master() (string, error) {
	return m.volume.Master()
}

func (m *NodeMount) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	return m.caller.Call(ctx, req, resp)
}

func (m *NodeMount) Close() {
	m.unfollow()
	m.setState(Unmounted)
	if m.owned {
		m.volume.Close()
	}
}
