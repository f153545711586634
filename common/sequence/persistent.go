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

package sequence

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/renameio"
)

// Persistent is a sequence stored in a JSON file, changes are visible on
// disk only after Commit.
type Persistent struct {
	path string
	lock sync.Mutex
	seq  Sequence
}

// Open reads the sequence at path or seeds it with def when the file
// does not exist yet.
func Open(path string, def Sequence) (*Persistent, error) {
	p := &Persistent{path: path, seq: def.Copy()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	var seq Sequence
	if err = json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	p.seq = seq
	return p, nil
}

func (p *Persistent) Path() string {
	return p.path
}

// Get returns a copy of the current ranges.
func (p *Persistent) Get() Sequence {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.seq.Copy()
}

func (p *Persistent) Set(seq Sequence) {
	p.lock.Lock()
	p.seq = seq.Copy()
	p.lock.Unlock()
}

// Update runs fn against the in-memory sequence.
func (p *Persistent) Update(fn func(seq *Sequence)) {
	p.lock.Lock()
	fn(&p.seq)
	p.lock.Unlock()
}

func (p *Persistent) Include(start, end uint64) {
	p.Update(func(seq *Sequence) { seq.Include(start, end) })
}

func (p *Persistent) Exclude(start, end uint64) {
	p.Update(func(seq *Sequence) { seq.Exclude(start, end) })
}

func (p *Persistent) ExcludeSequence(other Sequence) {
	p.Update(func(seq *Sequence) { seq.ExcludeSequence(other) })
}

func (p *Persistent) IncludeSequence(other Sequence) {
	p.Update(func(seq *Sequence) { seq.IncludeSequence(other) })
}

// Commit writes the sequence with temp file and rename.
func (p *Persistent) Commit() error {
	p.lock.Lock()
	data, err := json.Marshal(p.seq)
	p.lock.Unlock()
	if err != nil {
		return err
	}
	return renameio.WriteFile(p.path, data, 0o644)
}
