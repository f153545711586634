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

package volume

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio"
)

// Seqno is the monotonic mutation counter of a volume. Allocated seqnos
// stay pending until the mutation that took them is indexed, Committed
// never passes the lowest pending one.
type Seqno struct {
	path    string
	lock    sync.Mutex
	value   uint64
	pending map[uint64]struct{}
}

func openSeqno(path string) (*Seqno, error) {
	s := &Seqno{path: path, pending: make(map[uint64]struct{})}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if s.value, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err != nil {
		return nil, err
	}
	return s, nil
}

// Value is the last allocated seqno.
func (s *Seqno) Value() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.value
}

// Committed is the highest seqno below which every allocation is done.
func (s *Seqno) Committed() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	committed := s.value
	for seqno := range s.pending {
		if seqno <= committed {
			committed = seqno - 1
		}
	}
	return committed
}

// Next allocates the following seqno, the counter is written through
// before the seqno is handed out.
func (s *Seqno) Next() (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	next := s.value + 1
	if err := s.write(next); err != nil {
		return 0, err
	}
	s.value = next
	s.pending[next] = struct{}{}
	return next, nil
}

// Done releases a seqno taken by Next.
func (s *Seqno) Done(seqno uint64) {
	s.lock.Lock()
	delete(s.pending, seqno)
	s.lock.Unlock()
}

func (s *Seqno) Commit() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.write(s.value)
}

func (s *Seqno) write(value uint64) error {
	return renameio.WriteFile(s.path, []byte(strconv.FormatUint(value, 10)), 0o644)
}
