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
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	MemoryKVType     = LsmKVType("memory")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotFound = errors.New("column not found")
)

type (
	CF        string
	LsmKVType string

	Store interface {
		CreateColumn(col CF) error
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates keys with the prefix starting at marker when it is set.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		FlushCF(ctx context.Context, col CF) error
		Close()
	}
	ListReader interface {
		// ReadNextCopy returns nil key when the iteration is over.
		ReadNextCopy() (key []byte, value []byte, err error)
		ReadLastCopy() (key []byte, value []byte, err error)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Count() int
		Close()
	}

	Option struct {
		Sync            bool   `json:"sync"`
		ColumnFamily    []CF   `json:"column_family"`
		CreateIfMissing bool   `json:"create_if_missing"`
		BlockSize       int    `json:"block_size"`
		BlockCache      uint64 `json:"block_cache"`
		MaxOpenFiles    int    `json:"max_open_files"`
		WriteBufferSize int    `json:"write_buffer_size"`
		KeepLogFileNum  int    `json:"keep_log_file_num"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	if option == nil {
		option = &Option{CreateIfMissing: true}
	}
	switch lsmType {
	case RocksdbLsmKVType, "":
		return newRocksdb(ctx, path, option)
	case MemoryKVType:
		return newMemory(ctx, option), nil
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
