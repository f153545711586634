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
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/util"
)

var testCols = []CF{"records", "terms"}

func newTestStores(t *testing.T) map[LsmKVType]Store {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	stores := make(map[LsmKVType]Store)
	for _, typ := range []LsmKVType{MemoryKVType, RocksdbLsmKVType} {
		s, err := NewKVStore(ctx, path+"/"+string(typ), typ, &Option{
			CreateIfMissing: true,
			ColumnFamily:    testCols,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		stores[typ] = s
	}
	return stores
}

func TestKVStore_GetSetDelete(t *testing.T) {
	ctx := context.TODO()
	for typ, s := range newTestStores(t) {
		t.Run(string(typ), func(t *testing.T) {
			_, err := s.GetRaw(ctx, "records", []byte("k1"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SetRaw(ctx, "records", []byte("k1"), []byte("v1")))
			value, err := s.GetRaw(ctx, "records", []byte("k1"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), value)

			_, err = s.GetRaw(ctx, "terms", []byte("k1"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, "records", []byte("k1")))
			_, err = s.GetRaw(ctx, "records", []byte("k1"))
			require.ErrorIs(t, err, ErrNotFound)

			require.True(t, s.CheckColumns("records"))
			require.False(t, s.CheckColumns("seqno"))
			require.NoError(t, s.CreateColumn("seqno"))
			require.True(t, s.CheckColumns("seqno"))
		})
	}
}

func TestKVStore_List(t *testing.T) {
	ctx := context.TODO()
	for typ, s := range newTestStores(t) {
		t.Run(string(typ), func(t *testing.T) {
			batch := s.NewWriteBatch()
			for i := 0; i < 5; i++ {
				batch.Put("terms", []byte(fmt.Sprintf("a%d", i)), []byte{byte(i)})
				batch.Put("terms", []byte(fmt.Sprintf("b%d", i)), []byte{byte(i)})
			}
			require.Equal(t, 10, batch.Count())
			require.NoError(t, s.Write(ctx, batch))
			batch.Close()

			lr := s.List(ctx, "terms", []byte("a"), nil)
			var keys []string
			for {
				key, _, err := lr.ReadNextCopy()
				require.NoError(t, err)
				if key == nil {
					break
				}
				keys = append(keys, string(key))
			}
			lr.Close()
			require.Equal(t, []string{"a0", "a1", "a2", "a3", "a4"}, keys)

			lr = s.List(ctx, "terms", []byte("a"), []byte("a3"))
			key, value, err := lr.ReadNextCopy()
			require.NoError(t, err)
			require.Equal(t, "a3", string(key))
			require.Equal(t, []byte{3}, value)
			lr.Close()

			lr = s.List(ctx, "terms", []byte("a"), nil)
			key, _, err = lr.ReadLastCopy()
			require.NoError(t, err)
			require.Equal(t, "a4", string(key))
			lr.Close()

			lr = s.List(ctx, "terms", []byte("c"), nil)
			key, _, err = lr.ReadNextCopy()
			require.NoError(t, err)
			require.Nil(t, key)
			lr.Close()
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	require.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
	require.Nil(t, prefixEnd([]byte{0xff}))
}
