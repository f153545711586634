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

package kvstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryDegree = 32

type (
	memory struct {
		cols map[CF]*btree.BTree
		lock sync.RWMutex
	}
	memoryItem struct {
		key   []byte
		value []byte
	}
	memoryListReader struct {
		items []*memoryItem
		next  int
	}
	memoryBatchOp struct {
		col    CF
		key    []byte
		value  []byte
		delete bool
	}
	memoryBatch struct {
		ops []memoryBatchOp
	}
)

// newMemory returns a Store held in memory, column families are btrees.
func newMemory(ctx context.Context, option *Option) Store {
	m := &memory{cols: make(map[CF]*btree.BTree)}
	m.cols[defaultCF] = btree.New(memoryDegree)
	for _, col := range option.ColumnFamily {
		m.cols[col] = btree.New(memoryDegree)
	}
	return m
}

func (i *memoryItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memoryItem).key) < 0
}

func (i *memoryItem) Copy() btree.Item {
	return &memoryItem{
		key:   append([]byte(nil), i.key...),
		value: append([]byte(nil), i.value...),
	}
}

func (m *memory) CreateColumn(col CF) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.cols[col]; !ok {
		m.cols[col] = btree.New(memoryDegree)
	}
	return nil
}

func (m *memory) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.cols[col]
	return ok
}

func (m *memory) column(col CF) *btree.BTree {
	if col == "" {
		col = defaultCF
	}
	tree, ok := m.cols[col]
	if !ok {
		panic("col:" + col.String() + " not exist")
	}
	return tree
}

func (m *memory) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	found := m.column(col).Get(&memoryItem{key: key})
	if found == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), found.(*memoryItem).value...), nil
}

func (m *memory) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.column(col).ReplaceOrInsert(&memoryItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (m *memory) Delete(ctx context.Context, col CF, key []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.column(col).Delete(&memoryItem{key: key})
	return nil
}

// List takes a snapshot of the matching items, so the reader is stable
// against concurrent writes.
func (m *memory) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	m.lock.RLock()
	defer m.lock.RUnlock()

	start := marker
	if len(start) == 0 {
		start = prefix
	}
	var items []*memoryItem
	collect := func(i btree.Item) bool {
		item := i.(*memoryItem)
		if prefix != nil && !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item.Copy().(*memoryItem))
		return true
	}
	if len(start) == 0 {
		m.column(col).Ascend(collect)
	} else {
		m.column(col).AscendGreaterOrEqual(&memoryItem{key: start}, collect)
	}
	return &memoryListReader{items: items}
}

func (m *memory) NewWriteBatch() WriteBatch {
	return &memoryBatch{}
}

func (m *memory) Write(ctx context.Context, batch WriteBatch) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, op := range batch.(*memoryBatch).ops {
		tree := m.column(op.col)
		if op.delete {
			tree.Delete(&memoryItem{key: op.key})
			continue
		}
		tree.ReplaceOrInsert(&memoryItem{key: op.key, value: op.value})
	}
	return nil
}

func (m *memory) FlushCF(ctx context.Context, col CF) error {
	return nil
}

func (m *memory) Close() {}

func (lr *memoryListReader) ReadNextCopy() ([]byte, []byte, error) {
	if lr.next >= len(lr.items) {
		return nil, nil, nil
	}
	item := lr.items[lr.next]
	lr.next++
	return item.key, item.value, nil
}

func (lr *memoryListReader) ReadLastCopy() ([]byte, []byte, error) {
	if len(lr.items) == 0 {
		return nil, nil, nil
	}
	item := lr.items[len(lr.items)-1]
	return item.key, item.value, nil
}

func (lr *memoryListReader) Close() {}

func (b *memoryBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, memoryBatchOp{
		col:   col,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *memoryBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, memoryBatchOp{col: col, key: append([]byte(nil), key...), delete: true})
}

func (b *memoryBatch) Count() int {
	return len(b.ops)
}

func (b *memoryBatch) Close() {}
