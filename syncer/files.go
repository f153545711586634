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

package syncer

import (
	"context"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"

	"github.com/sugarlabs/sugar-network/common/sequence"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	DocumentPackages = "packages"

	filesIndexFile = ".files.index"
)

type (
	fileEntry struct {
		Seqno   uint64 `json:"seqno"`
		Mtime   int64  `json:"mtime"`
		Size    int64  `json:"size"`
		Deleted bool   `json:"deleted,omitempty"`
	}

	filesIndex struct {
		Seqno   uint64                `json:"seqno"`
		Entries map[string]*fileEntry `json:"entries"`
	}

	// Files tracks a tree of shared files, every change found by Scan or
	// applied by Merge takes the next seqno of the tree.
	Files struct {
		root string

		lock  sync.Mutex
		index filesIndex
	}
)

func OpenFiles(root string) (*Files, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	f := &Files{root: root, index: filesIndex{Entries: make(map[string]*fileEntry)}}
	if _, err := readJSON(f.indexPath(), &f.index); err != nil {
		return nil, err
	}
	if f.index.Entries == nil {
		f.index.Entries = make(map[string]*fileEntry)
	}
	return f, nil
}

func (f *Files) Root() string {
	return f.root
}

func (f *Files) Seqno() uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.index.Seqno
}

func (f *Files) indexPath() string {
	return filepath.Join(f.root, filesIndexFile)
}

// Scan compares the tree with the index, dot files are not shared.
func (f *Files) Scan(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	seen := make(map[string]bool)
	changed := false
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != f.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true
		mtime := info.ModTime().UnixNano()
		if e := f.index.Entries[rel]; e != nil && !e.Deleted && e.Mtime == mtime && e.Size == info.Size() {
			return nil
		}
		f.index.Seqno++
		f.index.Entries[rel] = &fileEntry{Seqno: f.index.Seqno, Mtime: mtime, Size: info.Size()}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	for _, rel := range f.sortedPaths() {
		e := f.index.Entries[rel]
		if seen[rel] || e.Deleted {
			continue
		}
		f.index.Seqno++
		e.Seqno = f.index.Seqno
		e.Deleted = true
		changed = true
	}
	if !changed {
		return nil
	}
	trace.SpanFromContextSafe(ctx).Debugf("files of %s changed, seqno %d", f.root, f.index.Seqno)
	return writeJSON(f.indexPath(), &f.index)
}

func (f *Files) sortedPaths() []string {
	paths := make([]string, 0, len(f.index.Entries))
	for rel := range f.index.Entries {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

// Diff writes file records changed within in and returns the seqnos it
// covered, a full packet stops it like a diff of documents.
func (f *Files) Diff(ctx context.Context, in sequence.Sequence, w *sneakernet.Writer) (sequence.Sequence, error) {
	type change struct {
		path  string
		entry fileEntry
	}
	f.lock.Lock()
	last := f.index.Seqno
	var changes []change
	for rel, e := range f.index.Entries {
		if in.Contains(e.Seqno) {
			changes = append(changes, change{path: rel, entry: *e})
		}
	}
	f.lock.Unlock()
	sort.Slice(changes, func(i, j int) bool { return changes[i].entry.Seqno < changes[j].entry.Seqno })

	var out sequence.Sequence
	for _, c := range changes {
		rec := &sneakernet.Record{Type: sneakernet.RecordFile, Op: sneakernet.OpDelete, Path: c.path}
		if !c.entry.Deleted {
			data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(c.path)))
			if err != nil {
				if os.IsNotExist(err) {
					// removed after the last scan, the next scan marks it
					continue
				}
				return nil, err
			}
			rec.Op = sneakernet.OpUpdate
			rec.Blob = data
		}
		err := w.Write(rec)
		if err == sneakernet.ErrPacketFull {
			return out, w.Commit(out)
		}
		if err != nil {
			return nil, err
		}
		out.IncludeSeq(c.entry.Seqno)
	}
	out.IncludeSequence(in.Clip(last))
	return out, w.Commit(out)
}

// Merge applies one file record.
func (f *Files) Merge(ctx context.Context, rec *sneakernet.Record) error {
	path, err := f.resolve(rec.Path)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()

	switch rec.Op {
	case sneakernet.OpDelete:
		if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	case sneakernet.OpUpdate:
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err = renameio.WriteFile(path, rec.Blob, 0o644); err != nil {
			return err
		}
	default:
		return apierrors.BadRequest("unknown file operation %q", rec.Op)
	}

	f.index.Seqno++
	e := &fileEntry{Seqno: f.index.Seqno, Deleted: rec.Op == sneakernet.OpDelete}
	if info, err := os.Stat(path); err == nil {
		e.Mtime, e.Size = info.ModTime().UnixNano(), info.Size()
	}
	f.index.Entries[filepath.ToSlash(filepath.Clean(rec.Path))] = e
	trace.SpanFromContextSafe(ctx).Debugf("merged %s of %s", rec.Op, rec.Path)
	return writeJSON(f.indexPath(), &f.index)
}

func (f *Files) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) ||
		strings.HasPrefix(filepath.Base(clean), ".") {
		return "", apierrors.BadRequest("bad file path %q", rel)
	}
	return filepath.Join(f.root, clean), nil
}

// Register serves GET /packages[/<repo>[/<arch>[/<package>]]] from the
// packages directory of the tree.
func (f *Files) Register(p *volume.Processor) {
	for _, level := range []int{volume.LevelDocument, volume.LevelGuid, volume.LevelProp} {
		p.Register(&volume.Command{
			Method:   proto.MethodGet,
			Level:    level,
			Document: DocumentPackages,
			Handler:  f.packages,
		})
	}
}

func (f *Files) packages(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	path, err := f.resolve(strings.Join(req.Path(), "/"))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.NotFound("no %s package path", req.URLPath())
		}
		return nil, err
	}
	if !info.IsDir() {
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return &proto.Blob{Path: path, MimeType: mimeType, Size: info.Size(), Filename: filepath.Base(path)}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
