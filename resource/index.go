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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/sugarlabs/sugar-network/common/kvstore"
)

const (
	recordsCF = kvstore.CF("records")
	termsCF   = kvstore.CF("terms")
	seqnoCF   = kvstore.CF("seqno")

	textProp = "_text"

	LayerPublic  = "public"
	LayerDeleted = "deleted"
)

var (
	termSeparator = []byte{0}
	populatedKey  = []byte("populated")
)

type (
	indexEntry struct {
		Values map[string]interface{} `json:"values"`
		Terms  map[string][]string    `json:"terms"`
		Layers []string               `json:"layers"`
		Seqno  uint64                 `json:"seqno"`
	}

	// Index keeps searchable terms, sortable values and the seqno order of
	// the records of one directory.
	Index struct {
		store  kvstore.Store
		schema *Schema
	}
)

func openIndex(ctx context.Context, path string, kvType kvstore.LsmKVType, schema *Schema) (*Index, error) {
	store, err := kvstore.NewKVStore(ctx, path, kvType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{recordsCF, termsCF, seqnoCF},
	})
	if err != nil {
		return nil, errors.Info(err, "open index", path)
	}
	return &Index{store: store, schema: schema}, nil
}

func (i *Index) Close() {
	i.store.Close()
}

func encodeTermKey(prop, term, guid string) []byte {
	key := make([]byte, 0, len(prop)+len(term)+len(guid)+2)
	key = append(key, prop...)
	key = append(key, termSeparator...)
	key = append(key, term...)
	key = append(key, termSeparator...)
	return append(key, guid...)
}

func encodeTermPrefix(prop, term string, exact bool) []byte {
	key := make([]byte, 0, len(prop)+len(term)+2)
	key = append(key, prop...)
	key = append(key, termSeparator...)
	key = append(key, term...)
	if exact {
		key = append(key, termSeparator...)
	}
	return key
}

func decodeTermGuid(key []byte) string {
	return string(key[bytes.LastIndexByte(key, 0)+1:])
}

func encodeSeqno(seqno uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seqno)
	return key
}

func decodeSeqno(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// Words splits text into lower cased searchable words.
func Words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(fields)
	return dedup(fields)
}

func (i *Index) newEntry(rec *Record) *indexEntry {
	entry := &indexEntry{
		Values: make(map[string]interface{}),
		Terms:  make(map[string][]string),
		Layers: rec.Layers(),
		Seqno:  rec.Seqno(),
	}
	var text []string
	for _, p := range i.schema.Props {
		value, ok := rec.Props[p.Name]
		if !ok || p.Kind == KindBlob {
			continue
		}
		if p.Indexed {
			entry.Values[p.Name] = value
			if terms := p.Terms(value); len(terms) > 0 {
				entry.Terms[p.Name] = terms
			}
		}
		if p.FullText {
			text = append(text, p.Terms(value)...)
		}
	}
	entry.Values["seqno"] = entry.Seqno
	if len(text) > 0 {
		entry.Terms[textProp] = Words(strings.Join(text, " "))
	}
	return entry
}

func (i *Index) entry(ctx context.Context, guid string) (*indexEntry, error) {
	data, err := i.store.GetRaw(ctx, recordsCF, []byte(guid))
	if err != nil {
		return nil, err
	}
	entry := &indexEntry{}
	if err = json.Unmarshal(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Store replaces the index entry of the record.
func (i *Index) Store(ctx context.Context, rec *Record) error {
	batch := i.store.NewWriteBatch()
	defer batch.Close()

	old, err := i.entry(ctx, rec.Guid)
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	if old != nil {
		for prop, terms := range old.Terms {
			for _, term := range terms {
				batch.Delete(termsCF, encodeTermKey(prop, term, rec.Guid))
			}
		}
		if old.Seqno > 0 {
			batch.Delete(seqnoCF, encodeSeqno(old.Seqno))
		}
	}

	entry := i.newEntry(rec)
	for prop, terms := range entry.Terms {
		for _, term := range terms {
			batch.Put(termsCF, encodeTermKey(prop, term, rec.Guid), nil)
		}
	}
	if entry.Seqno > 0 {
		batch.Put(seqnoCF, encodeSeqno(entry.Seqno), []byte(rec.Guid))
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	batch.Put(recordsCF, []byte(rec.Guid), data)
	return i.store.Write(ctx, batch)
}

func (i *Index) Remove(ctx context.Context, guid string) error {
	old, err := i.entry(ctx, guid)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	batch := i.store.NewWriteBatch()
	defer batch.Close()
	for prop, terms := range old.Terms {
		for _, term := range terms {
			batch.Delete(termsCF, encodeTermKey(prop, term, guid))
		}
	}
	if old.Seqno > 0 {
		batch.Delete(seqnoCF, encodeSeqno(old.Seqno))
	}
	batch.Delete(recordsCF, []byte(guid))
	return i.store.Write(ctx, batch)
}

func (i *Index) populated(ctx context.Context) bool {
	_, err := i.store.GetRaw(ctx, "", populatedKey)
	return err == nil
}

func (i *Index) setPopulated(ctx context.Context) error {
	return i.store.SetRaw(ctx, "", populatedKey, []byte{1})
}

// Seqnos calls fn for records whose last seqno is within [start, end] in
// seqno order, fn returning false stops the scan.
func (i *Index) Seqnos(ctx context.Context, start, end uint64, fn func(seqno uint64, guid string) (bool, error)) error {
	lr := i.store.List(ctx, seqnoCF, nil, encodeSeqno(start))
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		seqno := decodeSeqno(key)
		if seqno > end {
			return nil
		}
		next, err := fn(seqno, string(value))
		if err != nil || !next {
			return err
		}
	}
}

func (i *Index) scanGuids(ctx context.Context, col kvstore.CF, prefix []byte, fn func(key, value []byte)) error {
	lr := i.store.List(ctx, col, prefix, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		fn(key, value)
	}
}

func (i *Index) termGuids(ctx context.Context, prop, term string, exact bool) (map[string]bool, error) {
	ret := make(map[string]bool)
	err := i.scanGuids(ctx, termsCF, encodeTermPrefix(prop, term, exact), func(key, _ []byte) {
		ret[decodeTermGuid(key)] = true
	})
	return ret, err
}

// Find returns guids matching the query, ordered and paged, and the
// total number of matches.
func (i *Index) Find(ctx context.Context, q *Query) ([]string, int, error) {
	var candidates map[string]bool
	intersect := func(set map[string]bool) {
		if candidates == nil {
			candidates = set
			return
		}
		for guid := range candidates {
			if !set[guid] {
				delete(candidates, guid)
			}
		}
	}

	props := make([]string, 0, len(q.Terms))
	for prop := range q.Terms {
		props = append(props, prop)
	}
	sort.Strings(props)
	for _, prop := range props {
		union := make(map[string]bool)
		for _, term := range q.Terms[prop] {
			set, err := i.termGuids(ctx, prop, term, true)
			if err != nil {
				return nil, 0, err
			}
			for guid := range set {
				union[guid] = true
			}
		}
		intersect(union)
	}
	for _, word := range q.Words {
		exact := !strings.HasSuffix(word, "*")
		set, err := i.termGuids(ctx, textProp, strings.TrimSuffix(word, "*"), exact)
		if err != nil {
			return nil, 0, err
		}
		intersect(set)
	}

	type hit struct {
		guid  string
		entry *indexEntry
	}
	var hits []hit
	accept := func(guid string, entry *indexEntry) {
		if !q.ShowDeleted && hasString(entry.Layers, LayerDeleted) {
			return
		}
		if len(q.Layers) > 0 {
			found := false
			for _, layer := range q.Layers {
				if hasString(entry.Layers, layer) {
					found = true
					break
				}
			}
			if !found {
				return
			}
		}
		hits = append(hits, hit{guid: guid, entry: entry})
	}

	if candidates == nil {
		var decodeErr error
		err := i.scanGuids(ctx, recordsCF, nil, func(key, value []byte) {
			entry := &indexEntry{}
			if err := json.Unmarshal(value, entry); err != nil {
				decodeErr = err
				return
			}
			accept(string(key), entry)
		})
		if err == nil {
			err = decodeErr
		}
		if err != nil {
			return nil, 0, err
		}
	} else {
		for guid := range candidates {
			entry, err := i.entry(ctx, guid)
			if err != nil {
				if err == kvstore.ErrNotFound {
					continue
				}
				return nil, 0, err
			}
			accept(guid, entry)
		}
	}

	orderBy, desc := q.order()
	sort.SliceStable(hits, func(a, b int) bool {
		c := compareValues(hits[a].entry.Values[orderBy], hits[b].entry.Values[orderBy], q.Langs)
		if c == 0 {
			c = strings.Compare(hits[a].guid, hits[b].guid)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	total := len(hits)
	if q.Offset >= total {
		return []string{}, total, nil
	}
	hits = hits[q.Offset:]
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	guids := make([]string, len(hits))
	for n := range hits {
		guids[n] = hits[n].guid
	}
	return guids, total, nil
}

func compareValues(a, b interface{}, langs []string) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(sortString(a, langs), sortString(b, langs))
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortString(value interface{}, langs []string) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}:
		texts := make(map[string]string, len(v))
		for lang, text := range v {
			texts[lang] = fmt.Sprint(text)
		}
		return Localized(texts, langs)
	case map[string]string:
		return Localized(v, langs)
	}
	return fmt.Sprint(value)
}
