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

package blobs

import (
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cornelk/hashmap"
)

// NegativeCache remembers BLOBs that could not be fetched, so a proxy
// does not ask the remote for them again until ttl passes.
type NegativeCache struct {
	ttl    time.Duration
	missed *hashmap.HashMap
}

func NewNegativeCache(ttl time.Duration) *NegativeCache {
	return &NegativeCache{ttl: ttl, missed: &hashmap.HashMap{}}
}

// Key hashes the identifying parts of a BLOB.
func Key(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, "\x00"))
}

func (c *NegativeCache) Add(key uint64) {
	c.missed.Set(key, time.Now().Add(c.ttl))
}

func (c *NegativeCache) Has(key uint64) bool {
	value, ok := c.missed.Get(key)
	if !ok {
		return false
	}
	if c.ttl > 0 && time.Now().After(value.(time.Time)) {
		c.missed.Del(key)
		return false
	}
	return true
}

func (c *NegativeCache) Forget(key uint64) {
	c.missed.Del(key)
}

func (c *NegativeCache) Len() int {
	return c.missed.Len()
}
