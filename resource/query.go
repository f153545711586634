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
	"net/url"
	"strconv"
	"strings"

	apierrors "github.com/sugarlabs/sugar-network/errors"
)

const DefaultOrderBy = "ctime"

// Query selects records of a directory.
type Query struct {
	// Terms are exact property filters, values of one property are ORed.
	Terms map[string][]string
	// Words are full text words, all of them should match, a trailing
	// star matches by prefix.
	Words       []string
	Layers      []string
	ShowDeleted bool
	OrderBy     string
	Offset      int
	Limit       int
	Langs       []string
}

// reserved find arguments, everything else is a property filter
var findArgs = map[string]bool{
	"query": true, "order_by": true, "reply": true, "limit": true, "offset": true,
	"layer": true, "cmd": true, "mountpoint": true, "group_by": true,
}

// ParseQuery parses a find request. Property filters come from both the
// "prop:value" words of the query text and from arguments named after
// indexed properties.
func ParseQuery(schema *Schema, args url.Values, findLimit int) (*Query, error) {
	q := &Query{Terms: make(map[string][]string), Layers: []string{LayerPublic}}

	for _, word := range strings.Fields(args.Get("query")) {
		if i := strings.IndexByte(word, ':'); i > 0 {
			if p, ok := schema.Prop(word[:i]); ok && p.Indexed {
				q.addTerm(p.Name, strings.Trim(word[i+1:], `"`))
				continue
			}
		}
		word = strings.ToLower(strings.Trim(word, `"`))
		prefix := strings.HasSuffix(word, "*")
		for _, w := range Words(word) {
			if prefix && strings.HasSuffix(word, w+"*") {
				w += "*"
			}
			q.Words = append(q.Words, w)
		}
	}

	for name, values := range args {
		if findArgs[name] {
			continue
		}
		p, ok := schema.Prop(name)
		if !ok {
			continue
		}
		if !p.Indexed {
			return nil, apierrors.BadRequest("property %q is not searchable", name)
		}
		for _, value := range values {
			q.addTerm(p.Name, value)
		}
	}

	if layers, ok := args["layer"]; ok {
		q.Layers = nil
		for _, value := range layers {
			for _, layer := range strings.Split(value, ",") {
				if layer = strings.TrimSpace(layer); layer == "" {
					continue
				}
				// deleted never filters, naming it reveals deleted records
				if layer == LayerDeleted {
					q.ShowDeleted = true
					continue
				}
				q.Layers = append(q.Layers, layer)
			}
		}
	}

	q.OrderBy = args.Get("order_by")
	if q.OrderBy != "" {
		p, ok := schema.Prop(strings.TrimLeft(q.OrderBy, "+-"))
		if !ok || (!p.Indexed && p.Name != "seqno") {
			return nil, apierrors.BadRequest("cannot order by %q", q.OrderBy)
		}
	}

	var err error
	if value := args.Get("offset"); value != "" {
		if q.Offset, err = strconv.Atoi(value); err != nil || q.Offset < 0 {
			return nil, apierrors.BadRequest("invalid offset %q", value)
		}
	}
	q.Limit = findLimit
	if value := args.Get("limit"); value != "" {
		if q.Limit, err = strconv.Atoi(value); err != nil || q.Limit < 0 {
			return nil, apierrors.BadRequest("invalid limit %q", value)
		}
		if findLimit > 0 && (q.Limit == 0 || q.Limit > findLimit) {
			q.Limit = findLimit
		}
	}
	return q, nil
}

func (q *Query) addTerm(prop, value string) {
	if q.Terms == nil {
		q.Terms = make(map[string][]string)
	}
	q.Terms[prop] = append(q.Terms[prop], value)
}

func (q *Query) order() (string, bool) {
	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = DefaultOrderBy
	}
	desc := strings.HasPrefix(orderBy, "-")
	return strings.TrimLeft(orderBy, "+-"), desc
}
