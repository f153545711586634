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

// Package rrd keeps round robin time series in a directory. Every database
// is a set of revision files, a new revision starts when the field list,
// the step or the archives change, so old history stays readable.
package rrd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/renameio"
)

const (
	fileSuffix = ".rrd"
	metaSuffix = ".meta"
)

var revisionRe = regexp.MustCompile(`^(.+?)(?:-(\d+))?\.rrd$`)

type (
	Row struct {
		Timestamp int64              `json:"timestamp"`
		Values    map[string]float64 `json:"values"`
	}

	// Rrd is a directory of databases sharing step and archives.
	Rrd struct {
		root string
		step int64
		rras []Rra

		lock sync.Mutex
		dbs  map[string]*Db
	}

	Db struct {
		name string
		rrd  *Rrd

		lock      sync.Mutex
		revisions []*revision
		pending   *Row
	}

	archive struct {
		Rra
		Data []Row `json:"data"`
		// primary points not yet consolidated
		Acc []Row `json:"acc,omitempty"`
	}

	revision struct {
		path     string
		Step     int64      `json:"step"`
		Fields   []string   `json:"fields"`
		Last     int64      `json:"last"`
		Archives []*archive `json:"archives"`
	}

	dbMeta struct {
		Pending *Row `json:"pending,omitempty"`
	}
)

func Open(root string, step int64, rras []string) (*Rrd, error) {
	if step <= 0 {
		return nil, errors.New("rrd step should be positive")
	}
	r := &Rrd{root: root, step: step, dbs: make(map[string]*Db)}
	for _, s := range rras {
		rra, err := ParseRra(s)
		if err != nil {
			return nil, err
		}
		r.rras = append(r.rras, rra)
	}
	if len(r.rras) == 0 {
		return nil, errors.New("no rra declared")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rrd) Root() string {
	return r.root
}

func (r *Rrd) Step() int64 {
	return r.step
}

// List returns names of the databases found on disk or opened.
func (r *Rrd) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if m := revisionRe.FindStringSubmatch(entry.Name()); m != nil && !entry.IsDir() {
			seen[m[1]] = true
		}
	}
	r.lock.Lock()
	for name := range r.dbs {
		seen[name] = true
	}
	r.lock.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get opens the named database, it is created on the first Put.
func (r *Rrd) Get(ctx context.Context, name string) (*Db, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if db, ok := r.dbs[name]; ok {
		return db, nil
	}
	db := &Db{name: name, rrd: r}
	if err := db.load(ctx); err != nil {
		return nil, errors.Info(err, "load rrd", name)
	}
	r.dbs[name] = db
	return db, nil
}

func (db *Db) Name() string {
	return db.name
}

func (db *Db) load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	entries, err := os.ReadDir(db.rrd.root)
	if err != nil {
		return err
	}
	revs := make(map[int]string)
	for _, entry := range entries {
		m := revisionRe.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != db.name {
			continue
		}
		index := 0
		if m[2] != "" {
			index, _ = strconv.Atoi(m[2])
		}
		revs[index] = filepath.Join(db.rrd.root, entry.Name())
	}
	indexes := make([]int, 0, len(revs))
	for index := range revs {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		data, err := os.ReadFile(revs[index])
		if err != nil {
			return err
		}
		rev := &revision{path: revs[index]}
		if err = json.Unmarshal(data, rev); err != nil {
			span.Warnf("skip broken rrd revision %s: %s", revs[index], err)
			continue
		}
		db.revisions = append(db.revisions, rev)
	}

	data, err := os.ReadFile(db.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	meta := dbMeta{}
	if err = json.Unmarshal(data, &meta); err != nil {
		return err
	}
	db.pending = meta.Pending
	return nil
}

func (db *Db) metaPath() string {
	return filepath.Join(db.rrd.root, db.name+metaSuffix)
}

func (db *Db) revisionPath(index int) string {
	if index == 0 {
		return filepath.Join(db.rrd.root, db.name+fileSuffix)
	}
	return filepath.Join(db.rrd.root, db.name+"-"+strconv.Itoa(index)+fileSuffix)
}

// Last returns the timestamp of the last committed row.
func (db *Db) Last() int64 {
	db.lock.Lock()
	defer db.lock.Unlock()
	if rev := db.current(); rev != nil {
		return rev.Last
	}
	return 0
}

// Pending returns the buffered sample that waits for the next step.
func (db *Db) Pending() *Row {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.pending == nil {
		return nil
	}
	row := *db.pending
	return &row
}

func (db *Db) current() *revision {
	if len(db.revisions) == 0 {
		return nil
	}
	return db.revisions[len(db.revisions)-1]
}

// Put records a sample. A sample that falls inside the current step is
// kept pending, the pending sample is committed one step after the last
// row before a later sample is processed.
func (db *Db) Put(values map[string]float64, ts int64) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	rev := db.current()
	if rev == nil || !rev.compatible(fields, db.rrd.step, db.rrd.rras) {
		rev = db.newRevision(fields)
	}

	if rev.Last == 0 {
		db.pending = nil
		if err := db.commit(rev, values, ts); err != nil {
			return err
		}
		return db.saveMeta()
	}
	if ts < rev.Last+rev.Step {
		db.pending = &Row{Timestamp: ts, Values: values}
		return db.saveMeta()
	}
	if db.pending != nil {
		pending := db.pending
		db.pending = nil
		if err := db.commit(rev, pending.Values, rev.Last+rev.Step); err != nil {
			return err
		}
	}
	if ts >= rev.Last+rev.Step {
		if err := db.commit(rev, values, ts); err != nil {
			return err
		}
		return db.saveMeta()
	}
	db.pending = &Row{Timestamp: ts, Values: values}
	return db.saveMeta()
}

func (db *Db) newRevision(fields []string) *revision {
	rev := &revision{
		path:   db.revisionPath(len(db.revisions)),
		Step:   db.rrd.step,
		Fields: fields,
	}
	for _, rra := range db.rrd.rras {
		rev.Archives = append(rev.Archives, &archive{Rra: rra})
	}
	db.revisions = append(db.revisions, rev)
	return rev
}

func (db *Db) commit(rev *revision, values map[string]float64, ts int64) error {
	row := Row{Timestamp: ts, Values: make(map[string]float64, len(rev.Fields))}
	for _, field := range rev.Fields {
		if value, ok := values[field]; ok {
			row.Values[field] = value
		}
	}
	for _, a := range rev.Archives {
		a.push(row, rev.Fields)
	}
	rev.Last = ts
	data, err := json.Marshal(rev)
	if err != nil {
		return err
	}
	return renameio.WriteFile(rev.path, data, 0o644)
}

func (db *Db) saveMeta() error {
	if db.pending == nil {
		if err := os.Remove(db.metaPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(dbMeta{Pending: db.pending})
	if err != nil {
		return err
	}
	return renameio.WriteFile(db.metaPath(), data, 0o644)
}

// Fetch returns rows of every revision within [start, end] ordered by
// time, each revision is read from its finest archive.
func (db *Db) Fetch(start, end int64) []Row {
	db.lock.Lock()
	defer db.lock.Unlock()

	var rows []Row
	for _, rev := range db.revisions {
		a := rev.finest()
		if a == nil {
			continue
		}
		for _, row := range a.Data {
			if row.Timestamp >= start && (end <= 0 || row.Timestamp <= end) {
				rows = append(rows, row)
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp < rows[j].Timestamp
	})
	return rows
}

// FetchArchive returns rows of the current revision archive matching cf
// and steps.
func (db *Db) FetchArchive(cf string, steps int) []Row {
	db.lock.Lock()
	defer db.lock.Unlock()
	rev := db.current()
	if rev == nil {
		return nil
	}
	for _, a := range rev.Archives {
		if a.CF == cf && a.Steps == steps {
			return append([]Row(nil), a.Data...)
		}
	}
	return nil
}

func (rev *revision) compatible(fields []string, step int64, rras []Rra) bool {
	if rev.Step != step || strings.Join(rev.Fields, ",") != strings.Join(fields, ",") {
		return false
	}
	if len(rev.Archives) != len(rras) {
		return false
	}
	for i, a := range rev.Archives {
		if a.Rra != rras[i] {
			return false
		}
	}
	return true
}

func (rev *revision) finest() *archive {
	var ret *archive
	for _, a := range rev.Archives {
		if ret == nil || a.Steps < ret.Steps || (a.Steps == ret.Steps && a.CF == CFAverage) {
			ret = a
		}
	}
	return ret
}

func (a *archive) push(point Row, fields []string) {
	a.Acc = append(a.Acc, point)
	if len(a.Acc) < a.Steps {
		return
	}
	a.Data = append(a.Data, Row{
		Timestamp: point.Timestamp,
		Values:    a.consolidate(a.Acc, fields),
	})
	a.Acc = a.Acc[:0]
	if over := len(a.Data) - a.Rows; over > 0 {
		a.Data = append([]Row(nil), a.Data[over:]...)
	}
}
