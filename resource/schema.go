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
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
)

// access bits of a property or a command
const (
	AccessCreate = 1 << iota
	AccessWrite
	AccessRead
	AccessDelete
	AccessAuth
	AccessAuthor
	AccessLocal
	AccessSystem
	AccessCalc

	AccessPublic = AccessCreate | AccessWrite | AccessRead | AccessDelete
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindLocalized
	KindList
	KindMap
	KindAuthors
	KindBlob
)

var kindNames = [...]string{"string", "int", "float", "bool", "localized", "list", "map", "authors", "blob"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Property declares one field of a resource.
type Property struct {
	Name   string
	Kind   Kind
	Access int
	// Indexed properties can be filtered and sorted on.
	Indexed  bool
	FullText bool
	Default  interface{}
	// Typecast limits string or list item values to an enumeration.
	Typecast []string
	// MimeType is the default content type of a BLOB.
	MimeType string
	// Placeholder is served instead of an absent read-only BLOB.
	Placeholder string
}

func (p *Property) Is(access int) bool {
	return p.Access&access == access
}

// Cast coerces a value coming from a request or a peer into the typed
// representation of the property.
func (p *Property) Cast(value interface{}) (interface{}, error) {
	if value == nil {
		return p.zero(), nil
	}
	switch p.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		if err := p.checkEnum(s); err != nil {
			return nil, err
		}
		return s, nil
	case KindInt:
		return castInt(value)
	case KindFloat:
		return castFloat(value)
	case KindBool:
		return castBool(value)
	case KindLocalized:
		switch v := value.(type) {
		case string:
			return map[string]string{proto.DefaultLang: v}, nil
		case map[string]string:
			return v, nil
		case map[string]interface{}:
			ret := make(map[string]string, len(v))
			for lang, text := range v {
				s, ok := text.(string)
				if !ok {
					return nil, p.invalid(value)
				}
				ret[lang] = s
			}
			return ret, nil
		}
	case KindList:
		var items []interface{}
		switch v := value.(type) {
		case []interface{}:
			items = append([]interface{}(nil), v...)
		case []string:
			for _, s := range v {
				items = append(items, s)
			}
		case string:
			items = []interface{}{v}
		default:
			return nil, p.invalid(value)
		}
		if len(p.Typecast) > 0 {
			for _, item := range items {
				if err := p.checkEnum(fmt.Sprint(item)); err != nil {
					return nil, err
				}
			}
		}
		if items == nil {
			items = []interface{}{}
		}
		return items, nil
	case KindMap:
		if v, ok := value.(map[string]interface{}); ok {
			return v, nil
		}
	case KindAuthors:
		switch v := value.(type) {
		case Authors:
			return v, nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, p.invalid(value)
			}
			authors := Authors{}
			if err = json.Unmarshal(data, &authors); err != nil {
				return nil, p.invalid(value)
			}
			return authors, nil
		}
	case KindBlob:
		return value, nil
	}
	return nil, p.invalid(value)
}

// Decode restores the typed value of a stored JSON value.
func (p *Property) Decode(data []byte) (interface{}, error) {
	var value interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return p.Cast(normalizeNumbers(value))
}

func (p *Property) zero() interface{} {
	if p.Default != nil {
		if v, err := p.castDefault(); err == nil {
			return v
		}
	}
	switch p.Kind {
	case KindString:
		return ""
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindBool:
		return false
	case KindLocalized:
		return map[string]string{}
	case KindList:
		return []interface{}{}
	case KindMap:
		return map[string]interface{}{}
	case KindAuthors:
		return Authors{}
	}
	return nil
}

func (p *Property) castDefault() (interface{}, error) {
	def := *p
	def.Default = nil
	return def.Cast(p.Default)
}

// DefaultValue returns the typed default of the property.
func (p *Property) DefaultValue() interface{} {
	return p.zero()
}

func (p *Property) checkEnum(s string) error {
	if len(p.Typecast) == 0 {
		return nil
	}
	for _, allowed := range p.Typecast {
		if allowed == s {
			return nil
		}
	}
	return apierrors.BadRequest("value %q is not allowed for %s", s, p.Name)
}

func (p *Property) invalid(value interface{}) error {
	return apierrors.BadRequest("invalid %s value for %s: %v", p.Kind, p.Name, value)
}

// Terms returns the index terms the value is searchable by.
func (p *Property) Terms(value interface{}) []string {
	var terms []string
	switch v := value.(type) {
	case nil:
	case string:
		terms = append(terms, v)
	case int64:
		terms = append(terms, strconv.FormatInt(v, 10))
	case float64:
		terms = append(terms, strconv.FormatFloat(v, 'f', -1, 64))
	case bool:
		terms = append(terms, strconv.FormatBool(v))
	case map[string]string:
		for _, text := range v {
			terms = append(terms, text)
		}
	case []interface{}:
		for _, item := range v {
			terms = append(terms, fmt.Sprint(item))
		}
	case map[string]interface{}:
		for key := range v {
			terms = append(terms, key)
		}
	case Authors:
		for uid := range v {
			terms = append(terms, uid)
		}
	}
	sort.Strings(terms)
	return dedup(terms)
}

// Schema is the ordered property list of one resource.
type Schema struct {
	Name   string
	Props  []*Property
	byName map[string]*Property
}

// common properties every resource carries
func commonProps() []*Property {
	return []*Property{
		{Name: "guid", Kind: KindString, Access: AccessCreate | AccessRead, Indexed: true},
		{Name: "ctime", Kind: KindInt, Access: AccessRead, Indexed: true},
		{Name: "mtime", Kind: KindInt, Access: AccessRead, Indexed: true},
		{Name: "seqno", Kind: KindInt, Access: AccessRead},
		{Name: "layer", Kind: KindList, Access: AccessCreate | AccessWrite | AccessRead, Indexed: true, Default: []interface{}{"public"}},
		{Name: "author", Kind: KindAuthors, Access: AccessRead, Indexed: true},
	}
}

func NewSchema(name string, props ...*Property) *Schema {
	s := &Schema{Name: name, byName: make(map[string]*Property)}
	for _, p := range append(commonProps(), props...) {
		if _, ok := s.byName[p.Name]; ok {
			// a declared property overrides the common one
			for i := range s.Props {
				if s.Props[i].Name == p.Name {
					s.Props[i] = p
				}
			}
		} else {
			s.Props = append(s.Props, p)
		}
		s.byName[p.Name] = p
	}
	return s
}

func (s *Schema) Prop(name string) (*Property, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// MustProp returns the property or a BadRequest error.
func (s *Schema) MustProp(name string) (*Property, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, apierrors.BadRequest("%s has no property %q", s.Name, name)
	}
	return p, nil
}

// Readable returns names of properties replied by default.
func (s *Schema) Readable() []string {
	var ret []string
	for _, p := range s.Props {
		if p.Is(AccessRead) && !p.Is(AccessLocal) {
			ret = append(ret, p.Name)
		}
	}
	return ret
}

func castInt(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, apierrors.BadRequest("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return castInt(normalizeNumbers(v))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, apierrors.BadRequest("%q is not an integer", v)
		}
		return i, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, apierrors.BadRequest("%v is not an integer", value)
}

func castFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, apierrors.BadRequest("%q is not a number", v)
		}
		return f, nil
	}
	return nil, apierrors.BadRequest("%v is not a number", value)
}

func castBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "", "0", "false", "off", "no":
			return false, nil
		}
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	}
	return nil, apierrors.BadRequest("%v is not a boolean", value)
}

// normalizeNumbers turns json.Number into int64 when integral, float64
// otherwise.
func normalizeNumbers(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []interface{}:
		for i := range v {
			v[i] = normalizeNumbers(v[i])
		}
	case map[string]interface{}:
		for k := range v {
			v[k] = normalizeNumbers(v[k])
		}
	}
	return value
}

func dedup(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	ret := sorted[:1]
	for _, s := range sorted[1:] {
		if s != ret[len(ret)-1] {
			ret = append(ret, s)
		}
	}
	return ret
}
