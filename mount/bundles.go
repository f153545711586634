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
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util"
)

const bundleMetaSuffix = ".json"

// Bundle describes an implementation cloned onto the local disk.
type Bundle struct {
	Context   string `json:"context"`
	Guid      string `json:"guid"`
	Version   string `json:"version"`
	Stability string `json:"stability"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

// Bundles keeps cloned implementations under <root>/<context>/<guid>.
type Bundles struct {
	root string
}

func NewBundles(root string) *Bundles {
	return &Bundles{root: root}
}

func (b *Bundles) path(contextGuid, guid string) string {
	return filepath.Join(b.root, contextGuid, guid)
}

// Put stores bundle content, the sidecar is written last so that a
// partial bundle is never listed.
func (b *Bundles) Put(ctx context.Context, bundle *Bundle, r io.Reader) error {
	if !util.IsGuid(bundle.Context) || !util.IsGuid(bundle.Guid) {
		return apierrors.BadRequest("malformed bundle %q of %q", bundle.Guid, bundle.Context)
	}
	path := b.path(bundle.Context, bundle.Guid)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pf, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	hash := sha1.New()
	size, err := io.Copy(io.MultiWriter(pf, hash), r)
	if err != nil {
		return err
	}
	if err = pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	bundle.Size = size
	bundle.Digest = hex.EncodeToString(hash.Sum(nil))
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	if err = renameio.WriteFile(path+bundleMetaSuffix, data, 0o644); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("cloned %s of %s, %d bytes", bundle.Guid, bundle.Context, size)
	return nil
}

// List returns bundles of a context, newest versions first.
func (b *Bundles) List(contextGuid string) ([]*Bundle, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, contextGuid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ret []*Bundle
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, bundleMetaSuffix) {
			continue
		}
		bundle, err := b.stat(contextGuid, strings.TrimSuffix(name, bundleMetaSuffix))
		if err != nil {
			return nil, err
		}
		ret = append(ret, bundle)
	}
	sort.Slice(ret, func(i, j int) bool {
		return model.CompareVersions(ret[i].Version, ret[j].Version) > 0
	})
	return ret, nil
}

// Find looks the implementation up across all cloned contexts.
func (b *Bundles) Find(guid string) (*Bundle, error) {
	contexts, err := os.ReadDir(b.root)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range contexts {
		if !entry.IsDir() {
			continue
		}
		if bundle, err := b.stat(entry.Name(), guid); err == nil {
			return bundle, nil
		}
	}
	return nil, apierrors.NotFound("implementation %q is not cloned", guid)
}

func (b *Bundles) stat(contextGuid, guid string) (*Bundle, error) {
	data, err := os.ReadFile(b.path(contextGuid, guid) + bundleMetaSuffix)
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{}
	if err = json.Unmarshal(data, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (b *Bundles) Open(bundle *Bundle) (*proto.Blob, error) {
	path := b.path(bundle.Context, bundle.Guid)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NotFound("bundle %q is missing", bundle.Guid)
		}
		return nil, err
	}
	return &proto.Blob{
		Path:     path,
		Reader:   f,
		MimeType: bundle.MimeType,
		Size:     bundle.Size,
		Digest:   bundle.Digest,
	}, nil
}

// Remove drops all bundles of a context.
func (b *Bundles) Remove(contextGuid string) error {
	if !util.IsGuid(contextGuid) {
		return apierrors.BadRequest("malformed context %q", contextGuid)
	}
	return os.RemoveAll(filepath.Join(b.root, contextGuid))
}
