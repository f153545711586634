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

package resource

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/renameio"

	"github.com/sugarlabs/sugar-network/common/blobs"
	"github.com/sugarlabs/sugar-network/common/kvstore"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util"
)

const indexDir = "index"

type (
	Options struct {
		KVType kvstore.LsmKVType
		// Next allocates the seqno of a mutation.
		Next func() (uint64, error)
		// Done releases a seqno once its mutation is indexed.
		Done func(seqno uint64)
		// Notify receives events of every mutation.
		Notify func(event *proto.Event)
	}

	// Directory stores the records of one resource, one file per property.
	Directory struct {
		root   string
		schema *Schema
		index  *Index
		blobs  *blobs.Store
		next   func() (uint64, error)
		done   func(seqno uint64)
		notify func(event *proto.Event)

		lock  sync.Mutex
		mtime int64
	}

	propFile struct {
		Value json.RawMessage `json:"value"`
		Mtime int64           `json:"mtime"`
		Seqno uint64          `json:"seqno,omitempty"`
	}
)

func OpenDirectory(ctx context.Context, root string, schema *Schema, blobStore *blobs.Store, opts Options) (*Directory, error) {
	span := trace.SpanFromContextSafe(ctx)
	if opts.Next == nil {
		var seqno uint64
		opts.Next = func() (uint64, error) { return atomic.AddUint64(&seqno, 1), nil }
	}
	if opts.Done == nil {
		opts.Done = func(uint64) {}
	}
	if opts.Notify == nil {
		opts.Notify = func(*proto.Event) {}
	}
	index, err := openIndex(ctx, filepath.Join(root, schema.Name, indexDir), opts.KVType, schema)
	if err != nil {
		return nil, err
	}
	d := &Directory{
		root:   root,
		schema: schema,
		index:  index,
		blobs:  blobStore,
		next:   opts.Next,
		done:   opts.Done,
		notify: opts.Notify,
		mtime:  util.Now(),
	}
	if !index.populated(ctx) {
		span.Infof("populate %s index", schema.Name)
		if err = d.Populate(ctx); err != nil {
			index.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Directory) Name() string {
	return d.schema.Name
}

func (d *Directory) Schema() *Schema {
	return d.schema
}

// Mtime is bumped on every write, consumers compare it to drop caches.
func (d *Directory) Mtime() int64 {
	return atomic.LoadInt64(&d.mtime)
}

func (d *Directory) touch() {
	now := util.Now()
	for {
		old := atomic.LoadInt64(&d.mtime)
		if now <= old {
			now = old + 1
		}
		if atomic.CompareAndSwapInt64(&d.mtime, old, now) {
			return
		}
	}
}

func (d *Directory) Close() {
	d.index.Close()
}

func (d *Directory) recordPath(guid string) string {
	return blobs.RecordPath(d.root, d.schema.Name, guid)
}

func (d *Directory) propPath(guid, prop string) string {
	return filepath.Join(d.recordPath(guid), prop)
}

func (d *Directory) Exists(guid string) bool {
	if !util.IsGuid(guid) {
		return false
	}
	_, err := os.Stat(d.propPath(guid, "guid"))
	return err == nil
}

func (d *Directory) readProp(guid string, p *Property) (interface{}, PropMeta, bool, error) {
	if p.Kind == KindBlob {
		meta, err := d.blobs.Stat(d.schema.Name, guid, p.Name)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				return nil, PropMeta{}, false, nil
			}
			return nil, PropMeta{}, false, err
		}
		return meta, PropMeta{Mtime: meta.Mtime, Seqno: meta.Seqno}, true, nil
	}
	data, err := os.ReadFile(d.propPath(guid, p.Name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, PropMeta{}, false, nil
		}
		return nil, PropMeta{}, false, err
	}
	file := propFile{}
	if err = json.Unmarshal(data, &file); err != nil {
		return nil, PropMeta{}, false, errors.Info(err, "decode", d.propPath(guid, p.Name))
	}
	value, err := p.Decode(file.Value)
	if err != nil {
		return nil, PropMeta{}, false, errors.Info(err, "decode", d.propPath(guid, p.Name))
	}
	return value, PropMeta{Mtime: file.Mtime, Seqno: file.Seqno}, true, nil
}

func (d *Directory) writeProp(guid, prop string, value interface{}, mtime int64, seqno uint64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	data, err = json.Marshal(propFile{Value: data, Mtime: mtime, Seqno: seqno})
	if err != nil {
		return err
	}
	path := d.propPath(guid, prop)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// Get loads every stored property of the record, deleted records are
// returned too.
func (d *Directory) Get(ctx context.Context, guid string) (*Record, error) {
	if !d.Exists(guid) {
		return nil, apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	rec := NewRecord(guid)
	for _, p := range d.schema.Props {
		value, meta, ok, err := d.readProp(guid, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec.Props[p.Name] = value
		rec.Meta[p.Name] = meta
	}
	return rec, nil
}

// GetProp returns a single property, the default when it was never set.
func (d *Directory) GetProp(ctx context.Context, guid, name string) (interface{}, error) {
	p, err := d.schema.MustProp(name)
	if err != nil {
		return nil, err
	}
	if !d.Exists(guid) {
		return nil, apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	value, _, ok, err := d.readProp(guid, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.DefaultValue(), nil
	}
	return value, nil
}

func (d *Directory) castProps(props map[string]interface{}) (map[string]interface{}, error) {
	ret := make(map[string]interface{}, len(props))
	for name, value := range props {
		p, err := d.schema.MustProp(name)
		if err != nil {
			return nil, err
		}
		if p.Kind == KindBlob {
			return nil, apierrors.BadRequest("blob %q should be uploaded separately", name)
		}
		if ret[name], err = p.Cast(value); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// Create stores a new record, guid is generated unless props carry it.
func (d *Directory) Create(ctx context.Context, props map[string]interface{}) (*Record, error) {
	props, err := d.castProps(props)
	if err != nil {
		return nil, err
	}
	guid, _ := props["guid"].(string)
	if guid == "" {
		guid = util.NewGuid()
	} else if !util.IsGuid(guid) {
		return nil, apierrors.BadRequest("malformed guid %q", guid)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.Exists(guid) {
		return nil, apierrors.BadRequest("%s %q already exists", d.schema.Name, guid)
	}

	seqno, err := d.next()
	if err != nil {
		return nil, err
	}
	defer d.done(seqno)
	now := util.Now()
	props["guid"] = guid
	props["ctime"] = now
	props["mtime"] = now
	props["seqno"] = int64(seqno)

	rec := NewRecord(guid)
	for _, p := range d.schema.Props {
		if p.Kind == KindBlob {
			continue
		}
		value, ok := props[p.Name]
		if !ok {
			value = p.DefaultValue()
		}
		if err = d.writeProp(guid, p.Name, value, now, seqno); err != nil {
			return nil, err
		}
		rec.Props[p.Name] = value
		rec.Meta[p.Name] = PropMeta{Mtime: now, Seqno: seqno}
	}
	if err = d.index.Store(ctx, rec); err != nil {
		return nil, err
	}
	d.done(seqno)
	d.touch()
	d.notify(&proto.Event{
		Event: proto.EventCreate, Document: d.schema.Name, Guid: guid,
		Seqno: seqno, Props: eventProps(d.schema, props),
	})
	return rec, nil
}

// Update changes the given properties, the ones equal to stored values
// are skipped. A no-op update takes no seqno.
func (d *Directory) Update(ctx context.Context, guid string, props map[string]interface{}) error {
	props, err := d.castProps(props)
	if err != nil {
		return err
	}
	delete(props, "guid")
	delete(props, "ctime")
	delete(props, "mtime")
	delete(props, "seqno")

	d.lock.Lock()
	defer d.lock.Unlock()
	return d.update(ctx, guid, props, proto.EventUpdate)
}

func (d *Directory) update(ctx context.Context, guid string, props map[string]interface{}, event string) error {
	rec, err := d.Get(ctx, guid)
	if err != nil {
		return err
	}
	changed := make(map[string]interface{})
	for name, value := range props {
		if old, ok := rec.Props[name]; ok && jsonEqual(old, value) {
			continue
		}
		changed[name] = value
	}
	if len(changed) == 0 {
		return nil
	}

	seqno, err := d.next()
	if err != nil {
		return err
	}
	defer d.done(seqno)
	now := util.Now()
	changed["mtime"] = now
	changed["seqno"] = int64(seqno)
	for name, value := range changed {
		if err = d.writeProp(guid, name, value, now, seqno); err != nil {
			return err
		}
		rec.Props[name] = value
		rec.Meta[name] = PropMeta{Mtime: now, Seqno: seqno}
	}
	if err = d.index.Store(ctx, rec); err != nil {
		return err
	}
	d.done(seqno)
	d.touch()
	d.notify(&proto.Event{
		Event: event, Document: d.schema.Name, Guid: guid,
		Seqno: seqno, Props: eventProps(d.schema, changed),
	})
	return nil
}

// Delete flips the record into the deleted layer, the record stays to
// carry the deletion to other nodes.
func (d *Directory) Delete(ctx context.Context, guid string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	rec, err := d.Get(ctx, guid)
	if err != nil {
		return err
	}
	if rec.IsDeleted() {
		return apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	var layers []interface{}
	for _, layer := range rec.Layers() {
		layers = append(layers, layer)
	}
	layers = append(layers, LayerDeleted)
	return d.update(ctx, guid, map[string]interface{}{"layer": layers}, proto.EventDelete)
}

func (d *Directory) blobProp(name string) (*Property, error) {
	p, err := d.schema.MustProp(name)
	if err != nil {
		return nil, err
	}
	if p.Kind != KindBlob {
		return nil, apierrors.BadRequest("property %q is not a blob", name)
	}
	return p, nil
}

// SetBlob stores BLOB content, r is streamed to disk.
func (d *Directory) SetBlob(ctx context.Context, guid, prop string, r io.Reader, mimeType string) (*blobs.Meta, error) {
	p, err := d.blobProp(prop)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = p.MimeType
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.Exists(guid) {
		return nil, apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	meta, err := d.blobs.Put(ctx, d.schema.Name, guid, prop, r, mimeType)
	if err != nil {
		return nil, err
	}
	return meta, d.stampBlob(ctx, guid, prop, meta)
}

// SetBlobURL makes the BLOB a redirect.
func (d *Directory) SetBlobURL(ctx context.Context, guid, prop, url, mimeType string) (*blobs.Meta, error) {
	p, err := d.blobProp(prop)
	if err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = p.MimeType
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.Exists(guid) {
		return nil, apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	meta, err := d.blobs.PutURL(ctx, d.schema.Name, guid, prop, url, mimeType)
	if err != nil {
		return nil, err
	}
	return meta, d.stampBlob(ctx, guid, prop, meta)
}

func (d *Directory) stampBlob(ctx context.Context, guid, prop string, meta *blobs.Meta) error {
	seqno, err := d.next()
	if err != nil {
		return err
	}
	defer d.done(seqno)
	meta.Seqno = seqno
	if err := d.blobs.SetMeta(d.schema.Name, guid, prop, meta); err != nil {
		return err
	}
	now := util.Now()
	if err := d.writeProp(guid, "mtime", now, now, seqno); err != nil {
		return err
	}
	if err := d.writeProp(guid, "seqno", int64(seqno), now, seqno); err != nil {
		return err
	}
	rec, err := d.Get(ctx, guid)
	if err != nil {
		return err
	}
	if err = d.index.Store(ctx, rec); err != nil {
		return err
	}
	d.done(seqno)
	d.touch()
	d.notify(&proto.Event{
		Event: proto.EventUpdate, Document: d.schema.Name, Guid: guid,
		Seqno: seqno, Props: map[string]interface{}{prop: meta},
	})
	return nil
}

// GetBlob opens BLOB content, absent BLOBs resolve to the placeholder.
func (d *Directory) GetBlob(ctx context.Context, guid, prop string) (*proto.Blob, error) {
	p, err := d.blobProp(prop)
	if err != nil {
		return nil, err
	}
	if !d.Exists(guid) {
		return nil, apierrors.NotFound("%s %q not found", d.schema.Name, guid)
	}
	blob, err := d.blobs.Open(d.schema.Name, guid, prop)
	if err != nil && apierrors.Is(err, apierrors.ErrNotFound) && p.Placeholder != "" && !p.Is(AccessAuthor) {
		return nil, apierrors.Redirect(p.Placeholder)
	}
	return blob, err
}

// Find runs the query against the index and loads the matching records.
func (d *Directory) Find(ctx context.Context, q *Query) ([]*Record, int, error) {
	guids, total, err := d.index.Find(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	records := make([]*Record, 0, len(guids))
	for _, guid := range guids {
		rec, err := d.Get(ctx, guid)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				total--
				continue
			}
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, nil
}

// Populate rebuilds the index from the record files.
func (d *Directory) Populate(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	base := filepath.Join(d.root, d.schema.Name)
	prefixes, err := os.ReadDir(base)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	count := 0
	for _, prefix := range prefixes {
		if !prefix.IsDir() || prefix.Name() == indexDir {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(base, prefix.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() || !d.Exists(entry.Name()) {
				continue
			}
			rec, err := d.Get(ctx, entry.Name())
			if err != nil {
				span.Warnf("skip broken %s record %s: %s", d.schema.Name, entry.Name(), err)
				continue
			}
			if err = d.index.Store(ctx, rec); err != nil {
				return err
			}
			count++
		}
	}
	span.Debugf("populated %d %s records", count, d.schema.Name)
	return d.index.setPopulated(ctx)
}

func eventProps(schema *Schema, props map[string]interface{}) map[string]interface{} {
	ret := make(map[string]interface{}, len(props))
	for name, value := range props {
		if p, ok := schema.Prop(name); ok && !p.Is(AccessLocal) {
			ret[name] = value
		}
	}
	return ret
}

func jsonEqual(a, b interface{}) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(da) == string(db)
}

func sortedKeys(m map[string]*PropDiff) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
