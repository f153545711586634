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

package blobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util"
)

const (
	metaSuffix = ".meta"
	copyBuffer = 64 << 10

	DefaultMimeType = "application/octet-stream"
)

// Meta is the sidecar kept next to the content, the sidecar alone
// decides whether the BLOB exists.
type Meta struct {
	MimeType string `json:"mime_type"`
	Digest   string `json:"digest,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
	Mtime    int64  `json:"mtime"`
	Seqno    uint64 `json:"seqno,omitempty"`
}

// Store keeps BLOB content under <root>/<document>/<guid[:2]>/<guid>/<prop>.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Path(document, guid, prop string) string {
	return filepath.Join(RecordPath(s.root, document, guid), prop)
}

// RecordPath is the directory holding every file of one record.
func RecordPath(root, document, guid string) string {
	prefix := guid
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(root, document, prefix, guid)
}

// Put streams r into a temporary file in the target directory, then
// renames the content and writes the sidecar.
func (s *Store) Put(ctx context.Context, document, guid, prop string, r io.Reader, mimeType string) (*Meta, error) {
	span := trace.SpanFromContextSafe(ctx)
	path := s.Path(document, guid, prop)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return nil, err
	}
	defer t.Cleanup()

	hash := sha1.New()
	buf := util.GetBuffer(copyBuffer)
	size, err := io.CopyBuffer(io.MultiWriter(t, hash), r, buf)
	util.PutBuffer(buf)
	if err != nil {
		return nil, err
	}
	if err = t.CloseAtomicallyReplace(); err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	meta := &Meta{
		MimeType: mimeType,
		Digest:   hex.EncodeToString(hash.Sum(nil)),
		Size:     size,
		Mtime:    util.Now(),
	}
	if err = s.SetMeta(document, guid, prop, meta); err != nil {
		return nil, err
	}
	span.Debugf("stored blob %s/%s/%s size=%d digest=%s", document, guid, prop, size, meta.Digest)
	return meta, nil
}

// PutURL makes the BLOB a redirect to an external location.
func (s *Store) PutURL(ctx context.Context, document, guid, prop, url, mimeType string) (*Meta, error) {
	path := s.Path(document, guid, prop)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	meta := &Meta{MimeType: mimeType, URL: url, Mtime: util.Now()}
	if err := s.SetMeta(document, guid, prop, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) SetMeta(document, guid, prop string, meta *Meta) error {
	path := s.Path(document, guid, prop) + metaSuffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// Stat returns the sidecar or a NotFound error.
func (s *Store) Stat(document, guid, prop string) (*Meta, error) {
	data, err := os.ReadFile(s.Path(document, guid, prop) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NotFound("blob %s/%s/%s not found", document, guid, prop)
		}
		return nil, err
	}
	meta := &Meta{}
	if err = json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) Exists(document, guid, prop string) bool {
	_, err := os.Stat(s.Path(document, guid, prop) + metaSuffix)
	return err == nil
}

// Open returns the content ready to stream, or a Redirect error when the
// BLOB lives at an external URL.
func (s *Store) Open(document, guid, prop string) (*proto.Blob, error) {
	meta, err := s.Stat(document, guid, prop)
	if err != nil {
		return nil, err
	}
	if meta.URL != "" {
		return nil, apierrors.Redirect(meta.URL)
	}
	path := s.Path(document, guid, prop)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NotFound("blob %s/%s/%s content is missing", document, guid, prop)
		}
		return nil, err
	}
	return &proto.Blob{
		Path:     path,
		Reader:   f,
		MimeType: meta.MimeType,
		Size:     meta.Size,
		Digest:   meta.Digest,
	}, nil
}

// Remove drops the sidecar first so that a half removed BLOB is absent.
func (s *Store) Remove(document, guid, prop string) error {
	path := s.Path(document, guid, prop)
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
