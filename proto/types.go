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

package proto

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodDelete = http.MethodDelete
)

// Request is a command addressed to a mount, parsed from http or IPC.
type Request struct {
	Method   string
	Document string
	Guid     string
	Prop     string
	// Extra holds the fourth path segment, only /packages uses it
	Extra string
	Cmd   string
	Args  url.Values

	Content       interface{}
	ContentStream io.Reader
	ContentType   string
	ContentLength int64

	Principal      string
	AcceptLanguage []string
	Mountpoint     string
	// StaticPrefix is the scheme and host BLOB urls are rewritten against
	StaticPrefix string
}

func NewRequest(method string, path ...string) *Request {
	req := &Request{Method: method, Args: url.Values{}}
	req.SetPath(path...)
	return req
}

func (r *Request) SetPath(path ...string) {
	r.Document, r.Guid, r.Prop, r.Extra = "", "", "", ""
	for i, segment := range path {
		switch i {
		case 0:
			r.Document = segment
		case 1:
			r.Guid = segment
		case 2:
			r.Prop = segment
		case 3:
			r.Extra = segment
		}
	}
}

func (r *Request) Path() []string {
	var path []string
	for _, segment := range []string{r.Document, r.Guid, r.Prop, r.Extra} {
		if segment == "" {
			break
		}
		path = append(path, segment)
	}
	return path
}

func (r *Request) URLPath() string {
	return "/" + strings.Join(r.Path(), "/")
}

func (r *Request) Arg(name string) string {
	if r.Args == nil {
		return ""
	}
	return r.Args.Get(name)
}

func (r *Request) HasArg(name string) bool {
	if r.Args == nil {
		return false
	}
	_, ok := r.Args[name]
	return ok
}

// ArgList accepts both repeated keys and comma separated values.
func (r *Request) ArgList(name string) []string {
	if r.Args == nil {
		return nil
	}
	var ret []string
	for _, value := range r.Args[name] {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				ret = append(ret, item)
			}
		}
	}
	return ret
}

func (r *Request) ArgInt(name string, def int) int {
	value := r.Arg(name)
	if value == "" {
		return def
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return i
}

func (r *Request) ArgBool(name string) bool {
	switch strings.ToLower(r.Arg(name)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func (r *Request) SetArg(name string, values ...string) {
	if r.Args == nil {
		r.Args = url.Values{}
	}
	if len(values) == 0 {
		r.Args.Del(name)
		return
	}
	r.Args[name] = values
}

// ContentMap returns the JSON body as a property map.
func (r *Request) ContentMap() map[string]interface{} {
	if m, ok := r.Content.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func (r *Request) Clone() *Request {
	clone := *r
	clone.Args = url.Values{}
	for k, v := range r.Args {
		clone.Args[k] = append([]string(nil), v...)
	}
	if content := r.ContentMap(); content != nil {
		copied := make(map[string]interface{}, len(content))
		for k, v := range content {
			copied[k] = v
		}
		clone.Content = copied
	}
	clone.AcceptLanguage = append([]string(nil), r.AcceptLanguage...)
	return &clone
}

// Response carries the meta data a command wants to send along its result.
type Response struct {
	Status        int
	ContentType   string
	ContentLength int64
	Header        http.Header
}

func NewResponse() *Response {
	return &Response{Header: http.Header{}, ContentLength: -1}
}

func (r *Response) Set(key, value string) {
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set(key, value)
}

// Blob is a command result that streams file content.
type Blob struct {
	Path     string
	Reader   io.ReadCloser
	MimeType string
	Size     int64
	Digest   string
	Filename string
}

// Streamer is a command result that is written with chunked encoding.
type Streamer func(ctx context.Context, w io.Writer) error

// Caller dispatches a request to whatever backend serves it.
type Caller interface {
	Call(ctx context.Context, req *Request, resp *Response) (interface{}, error)
}

type CallerFunc func(ctx context.Context, req *Request, resp *Response) (interface{}, error)

func (f CallerFunc) Call(ctx context.Context, req *Request, resp *Response) (interface{}, error) {
	return f(ctx, req, resp)
}
