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
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/blobs"
	"github.com/sugarlabs/sugar-network/common/sequence"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util"
)

// DiffFunc receives one record diff and the seqnos it covers. Returning
// an error stops the diff, the record is considered not emitted.
type DiffFunc func(guid string, diff RecordDiff, seqnos sequence.Sequence) error

// Diff yields, in seqno order, records changed within in. Only the
// properties stamped with a seqno from in are part of a record diff.
func (d *Directory) Diff(ctx context.Context, in sequence.Sequence, fn DiffFunc) error {
	span := trace.SpanFromContextSafe(ctx)
	for _, r := range in {
		err := d.index.Seqnos(ctx, r.Start, r.End, func(seqno uint64, guid string) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			diff, seqnos, err := d.recordDiff(ctx, guid, in)
			if err != nil {
				if apierrors.Is(err, apierrors.ErrNotFound) {
					span.Warnf("%s %s is indexed but absent", d.schema.Name, guid)
					return true, nil
				}
				return false, err
			}
			if len(diff) == 0 {
				return true, nil
			}
			seqnos.IncludeSeq(seqno)
			if err = fn(guid, diff, seqnos); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recordDiff reads the record under the directory lock so a mutation
// in flight is seen either whole or not at all.
func (d *Directory) recordDiff(ctx context.Context, guid string, in sequence.Sequence) (RecordDiff, sequence.Sequence, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	rec, err := d.Get(ctx, guid)
	if err != nil {
		return nil, nil, err
	}
	diff := make(RecordDiff)
	var seqnos sequence.Sequence
	for name, meta := range rec.Meta {
		// seqno is a local stamp, peers keep their own
		if name == "seqno" || meta.Seqno == 0 || !in.Contains(meta.Seqno) {
			continue
		}
		p, _ := d.schema.Prop(name)
		if p.Is(AccessLocal) {
			continue
		}
		pd := &PropDiff{Value: rec.Props[name], Mtime: meta.Mtime}
		if p.Kind == KindBlob {
			if pd.Blob, err = d.readBlob(guid, name); err != nil {
				return nil, nil, err
			}
		}
		diff[name] = pd
		seqnos.IncludeSeq(meta.Seqno)
	}
	return diff, seqnos, nil
}

func (d *Directory) readBlob(guid, prop string) ([]byte, error) {
	blob, err := d.blobs.Open(d.schema.Name, guid, prop)
	if err != nil {
		if _, ok := err.(*apierrors.RedirectError); ok {
			return nil, nil
		}
		return nil, err
	}
	defer blob.Reader.Close()
	return io.ReadAll(blob.Reader)
}

// Merge applies a record diff keeping the newest value of every
// property. With increment the changes take a local seqno, otherwise
// they are stored unstamped and will never be diffed back.
func (d *Directory) Merge(ctx context.Context, guid string, diff RecordDiff, increment bool) (uint64, error) {
	if !util.IsGuid(guid) {
		return 0, apierrors.BadRequest("malformed guid %q", guid)
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	existed := d.Exists(guid)
	var seqno uint64
	stamp := func() (uint64, error) {
		if increment && seqno == 0 {
			next, err := d.next()
			if err != nil {
				return 0, err
			}
			seqno = next
		}
		return seqno, nil
	}
	defer func() {
		if seqno > 0 {
			d.done(seqno)
		}
	}()

	changed := make(map[string]interface{})
	for _, name := range sortedKeys(diff) {
		pd := diff[name]
		p, ok := d.schema.Prop(name)
		if !ok || pd == nil || name == "seqno" {
			continue
		}
		if p.Kind == KindBlob {
			merged, err := d.mergeBlob(ctx, guid, p, pd, stamp)
			if err != nil {
				return 0, err
			}
			if merged != nil {
				changed[name] = merged
			}
			continue
		}
		_, meta, ok, err := d.readProp(guid, p)
		if err != nil {
			return 0, err
		}
		if ok && meta.Mtime >= pd.Mtime {
			continue
		}
		value, err := p.Cast(normalizeNumbers(roundTrip(pd.Value)))
		if err != nil {
			return 0, err
		}
		stamped, err := stamp()
		if err != nil {
			return 0, err
		}
		if err = d.writeProp(guid, name, value, pd.Mtime, stamped); err != nil {
			return 0, err
		}
		changed[name] = value
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if !d.Exists(guid) {
		// the creation range was not part of the diff
		var mtime int64
		for _, pd := range diff {
			if mtime == 0 || pd.Mtime < mtime {
				mtime = pd.Mtime
			}
		}
		stamped, err := stamp()
		if err != nil {
			return 0, err
		}
		if err = d.writeProp(guid, "guid", guid, mtime, stamped); err != nil {
			return 0, err
		}
	}

	if seqno > 0 {
		if err := d.writeProp(guid, "seqno", int64(seqno), util.Now(), seqno); err != nil {
			return 0, err
		}
	}

	rec, err := d.Get(ctx, guid)
	if err != nil {
		return 0, err
	}
	if err = d.index.Store(ctx, rec); err != nil {
		return 0, err
	}
	if seqno > 0 {
		d.done(seqno)
	}
	d.touch()
	event := proto.EventUpdate
	switch {
	case !existed:
		event = proto.EventCreate
	case hasString(toStrings(changed["layer"]), LayerDeleted):
		event = proto.EventDelete
	}
	d.notify(&proto.Event{
		Event: event, Document: d.schema.Name, Guid: guid,
		Seqno: seqno, Props: eventProps(d.schema, changed),
	})
	return seqno, nil
}

func (d *Directory) mergeBlob(ctx context.Context, guid string, p *Property, pd *PropDiff, stamp func() (uint64, error)) (*blobs.Meta, error) {
	if existing, err := d.blobs.Stat(d.schema.Name, guid, p.Name); err == nil && existing.Mtime >= pd.Mtime {
		return nil, nil
	}
	incoming := &blobs.Meta{}
	data, err := json.Marshal(pd.Value)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, incoming); err != nil {
		return nil, apierrors.BadRequest("malformed blob meta of %s", p.Name)
	}
	var meta *blobs.Meta
	if incoming.URL != "" {
		meta, err = d.blobs.PutURL(ctx, d.schema.Name, guid, p.Name, incoming.URL, incoming.MimeType)
	} else {
		meta, err = d.blobs.Put(ctx, d.schema.Name, guid, p.Name, bytes.NewReader(pd.Blob), incoming.MimeType)
	}
	if err != nil {
		return nil, err
	}
	meta.Mtime = pd.Mtime
	if meta.Seqno, err = stamp(); err != nil {
		return nil, err
	}
	return meta, d.blobs.SetMeta(d.schema.Name, guid, p.Name, meta)
}

// roundTrip turns typed values into their JSON decoded form so that
// Cast treats local and remote values the same way.
func roundTrip(value interface{}) interface{} {
	switch value.(type) {
	case nil, string, bool, float64, int64, []interface{}, map[string]interface{}, map[string]string:
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var ret interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if decoder.Decode(&ret) != nil {
		return value
	}
	return ret
}
