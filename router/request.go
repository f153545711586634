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

package router

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
)

const (
	maxPathSegments = 4

	argCmd        = "cmd"
	argMountpoint = "mountpoint"
)

// ParseRequest turns an http request into a command request. The body is
// left unread when it is streamed to the command.
func ParseRequest(r *http.Request) (*proto.Request, error) {
	var path []string
	for _, segment := range strings.Split(r.URL.Path, "/") {
		if segment != "" {
			path = append(path, segment)
		}
	}
	if len(path) > maxPathSegments {
		return nil, apierrors.BadRequest("path %q is too long", r.URL.Path)
	}

	req := proto.NewRequest(r.Method, path...)
	for name, values := range r.URL.Query() {
		req.Args[name] = values
	}
	req.Cmd = req.Arg(argCmd)
	req.Args.Del(argCmd)
	req.Mountpoint = req.Arg(argMountpoint)
	req.Args.Del(argMountpoint)
	req.AcceptLanguage = ParseAcceptLanguage(r.Header.Get("Accept-Language"))

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req.StaticPrefix = scheme + "://" + r.Host

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return req, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := parseContent(r, req); err != nil {
		return nil, err
	}
	return req, nil
}

func parseContent(r *http.Request, req *proto.Request) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "application/json":
		var content interface{}
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil && err != io.EOF {
			return apierrors.BadRequest("malformed json content: %s", err)
		}
		req.Content = content
	case "multipart/form-data":
		reader, err := r.MultipartReader()
		if err != nil {
			return apierrors.BadRequest("malformed multipart content: %s", err)
		}
		part, err := reader.NextPart()
		if err != nil {
			return apierrors.BadRequest("multipart content has no parts")
		}
		// one part is expected, anything after it is never read
		req.ContentStream = part
		req.ContentType = part.Header.Get("Content-Type")
		req.ContentLength = -1
	default:
		req.ContentStream = r.Body
		req.ContentType = mediaType
		req.ContentLength = r.ContentLength
	}
	return nil
}

// ParseAcceptLanguage orders language tags by descending quality, tags of
// the same quality keep their order in the header.
func ParseAcceptLanguage(header string) []string {
	type tag struct {
		lang string
		q    float64
	}
	var tags []tag
	for _, item := range strings.Split(header, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lang, q := item, 1.0
		if i := strings.Index(item, ";"); i >= 0 {
			lang = strings.TrimSpace(item[:i])
			param := strings.TrimSpace(item[i+1:])
			if strings.HasPrefix(param, "q=") {
				if value, err := strconv.ParseFloat(param[2:], 64); err == nil {
					q = value
				}
			}
		}
		if lang == "" || lang == "*" {
			continue
		}
		tags = append(tags, tag{lang: strings.ToLower(lang), q: q})
	}
	sort.SliceStable(tags, func(i, j int) bool {
		return tags[i].q > tags[j].q
	})
	ret := make([]string, 0, len(tags))
	for _, t := range tags {
		ret = append(ret, t.lang)
	}
	return ret
}
