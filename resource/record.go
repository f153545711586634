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
	"sort"
	"strings"

	"github.com/sugarlabs/sugar-network/proto"
)

// author roles
const (
	RoleInSystem = 1 << iota
	RoleOriginal
)

type (
	Author struct {
		Role  int    `json:"role"`
		Name  string `json:"name,omitempty"`
		Order int    `json:"order"`
	}
	// Authors maps user guids to their authorship.
	Authors map[string]Author

	// PropDiff is one property of a record as it travels between nodes.
	PropDiff struct {
		Value interface{} `json:"value"`
		Mtime int64       `json:"mtime"`
		// Blob carries BLOB content, the value is the BLOB meta then.
		Blob []byte `json:"blob,omitempty"`
	}
	RecordDiff map[string]*PropDiff

	PropMeta struct {
		Mtime int64  `json:"mtime"`
		Seqno uint64 `json:"seqno"`
	}

	Record struct {
		Guid  string
		Props map[string]interface{}
		Meta  map[string]PropMeta
	}
)

// Add appends the user after the existing authors, an existing author
// keeps the order slot.
func (a Authors) Add(uid, name string, role int) {
	if author, ok := a[uid]; ok {
		author.Role |= role
		if name != "" {
			author.Name = name
		}
		a[uid] = author
		return
	}
	order := 0
	for _, author := range a {
		if author.Order > order {
			order = author.Order
		}
	}
	a[uid] = Author{Role: role, Name: name, Order: order + 1}
}

func (a Authors) Remove(uid string) bool {
	if _, ok := a[uid]; !ok {
		return false
	}
	delete(a, uid)
	return true
}

func (a Authors) Has(uid string) bool {
	_, ok := a[uid]
	return ok
}

func (a Authors) Copy() Authors {
	ret := make(Authors, len(a))
	for k, v := range a {
		ret[k] = v
	}
	return ret
}

// Ordered returns user guids in insertion order.
func (a Authors) Ordered() []string {
	uids := make([]string, 0, len(a))
	for uid := range a {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		if a[uids[i]].Order == a[uids[j]].Order {
			return uids[i] < uids[j]
		}
		return a[uids[i]].Order < a[uids[j]].Order
	})
	return uids
}

func NewRecord(guid string) *Record {
	return &Record{
		Guid:  guid,
		Props: make(map[string]interface{}),
		Meta:  make(map[string]PropMeta),
	}
}

func (r *Record) Get(name string) interface{} {
	return r.Props[name]
}

func (r *Record) String(name string) string {
	s, _ := r.Props[name].(string)
	return s
}

func (r *Record) Int(name string) int64 {
	i, _ := r.Props[name].(int64)
	return i
}

func (r *Record) Seqno() uint64 {
	var seqno uint64
	for _, meta := range r.Meta {
		if meta.Seqno > seqno {
			seqno = meta.Seqno
		}
	}
	return seqno
}

func (r *Record) Layers() []string {
	return toStrings(r.Props["layer"])
}

func (r *Record) IsDeleted() bool {
	return hasString(r.Layers(), LayerDeleted)
}

func (r *Record) Authors() Authors {
	if a, ok := r.Props["author"].(Authors); ok {
		return a
	}
	return Authors{}
}

// Localized resolves a localized property against preferred languages.
func (r *Record) Localized(name string, langs []string) string {
	value, _ := r.Props[name].(map[string]string)
	return Localized(value, langs)
}

// Localized returns the first preferred language found, then a language
// sharing the primary subtag, then the default language.
func Localized(value map[string]string, langs []string) string {
	if len(value) == 0 {
		return ""
	}
	for _, lang := range langs {
		lang = strings.ToLower(lang)
		if text, ok := value[lang]; ok {
			return text
		}
	}
	tags := make([]string, 0, len(value))
	for tag := range value {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, lang := range langs {
		primary := primarySubtag(lang)
		for _, tag := range tags {
			if primarySubtag(tag) == primary {
				return value[tag]
			}
		}
	}
	if text, ok := value[proto.DefaultLang]; ok {
		return text
	}
	return ""
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

func toStrings(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		ret := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ret = append(ret, s)
			}
		}
		return ret
	case string:
		return []string{v}
	}
	return nil
}

func hasString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
