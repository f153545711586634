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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/router"
)

const headerReqID = "X-Reqid"

type (
	Config struct {
		APIURL    string          `json:"api_url"`
		Principal string          `json:"principal"`
		Transport TransportConfig `json:"transport"`
	}
	TransportConfig struct {
		MaxTimeoutMs     int64 `json:"max_timeout_ms"`
		ConnectTimeoutMs int64 `json:"connect_timeout_ms"`
		MaxConnsPerHost  int   `json:"max_conns_per_host"`
	}

	doer interface {
		Do(ctx context.Context, req *http.Request) (*http.Response, error)
	}

	// Client talks to the http api of a node. It implements proto.Caller
	// so a remote node can be mounted as is.
	Client struct {
		url       string
		principal string
		rpc       doer

		// streams is used for responses that outlive any request timeout
		streams *http.Client
		close   func()
	}
)

func New(cfg *Config) *Client {
	rc := rpc.NewClient(&rpc.Config{
		ClientTimeoutMs: cfg.Transport.MaxTimeoutMs,
		Tc: rpc.TransportConfig{
			DialTimeoutMs:   cfg.Transport.ConnectTimeoutMs,
			MaxConnsPerHost: cfg.Transport.MaxConnsPerHost,
		},
	})
	return &Client{
		url:       strings.TrimRight(cfg.APIURL, "/"),
		principal: cfg.Principal,
		rpc:       rc,
		streams:   &http.Client{},
		close:     rc.Close,
	}
}

// NewLocal connects to the command socket of a node running on this host.
func NewLocal(runDir, principal string) *Client {
	socket := filepath.Join(runDir, router.RunAccept)
	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socket)
		},
	}}
	return &Client{
		url:       "http://localhost",
		principal: principal,
		rpc:       httpDoer{hc},
		streams:   hc,
		close:     hc.CloseIdleConnections,
	}
}

type httpDoer struct {
	*http.Client
}

func (d httpDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.Client.Do(req.WithContext(ctx))
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) Close() {
	c.close()
}

// Call sends the request and decodes json replies, other content is
// returned as a BLOB the caller has to close.
func (c *Client) Call(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	hresp, err := c.send(ctx, c.rpc, req)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		resp.ContentType = hresp.Header.Get("Content-Type")
		resp.ContentLength = hresp.ContentLength
		if resp.Header == nil {
			resp.Header = http.Header{}
		}
		for key, values := range hresp.Header {
			resp.Header[key] = values
		}
	}
	if !isJSON(hresp.Header.Get("Content-Type")) {
		return blobOf(hresp), nil
	}
	defer hresp.Body.Close()
	var result interface{}
	if err = json.NewDecoder(hresp.Body).Decode(&result); err != nil && err != io.EOF {
		return nil, err
	}
	return result, nil
}

// CallJSON decodes the reply into ret.
func (c *Client) CallJSON(ctx context.Context, req *proto.Request, ret interface{}) error {
	hresp, err := c.send(ctx, c.rpc, req)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()
	if ret == nil {
		return nil
	}
	if err = json.NewDecoder(hresp.Body).Decode(ret); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *Client) send(ctx context.Context, d doer, req *proto.Request) (*http.Response, error) {
	hreq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	hresp, err := d.Do(ctx, hreq)
	if err != nil {
		return nil, apierrors.Unavailable("%s %s: %s", req.Method, c.url, err)
	}
	if hresp.StatusCode >= http.StatusBadRequest {
		defer hresp.Body.Close()
		return nil, parseError(hresp)
	}
	return hresp, nil
}

func (c *Client) newRequest(ctx context.Context, req *proto.Request) (*http.Request, error) {
	args := req.Args
	if req.Cmd != "" || (req.Mountpoint != "" && req.Mountpoint != proto.MountpointRoot) {
		clone := req.Clone()
		if req.Cmd != "" {
			clone.SetArg("cmd", req.Cmd)
		}
		if req.Mountpoint != "" && req.Mountpoint != proto.MountpointRoot {
			clone.SetArg("mountpoint", req.Mountpoint)
		}
		args = clone.Args
	}
	location := c.url + req.URLPath()
	if query := args.Encode(); query != "" {
		location += "?" + query
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.ContentStream != nil:
		body = req.ContentStream
		contentType = req.ContentType
	case req.Content != nil:
		data, err := json.Marshal(req.Content)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, location, body)
	if err != nil {
		return nil, apierrors.BadRequest("%s", err)
	}
	if req.ContentStream != nil && req.ContentLength > 0 {
		hreq.ContentLength = req.ContentLength
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	principal := req.Principal
	if principal == "" {
		principal = c.principal
	}
	if principal != "" {
		hreq.Header.Set(router.HeaderUser, principal)
	}
	if len(req.AcceptLanguage) > 0 {
		hreq.Header.Set("Accept-Language", strings.Join(req.AcceptLanguage, ", "))
	}
	hreq.Header.Set(headerReqID, trace.SpanFromContextSafe(ctx).TraceID())
	return hreq, nil
}

func parseError(resp *http.Response) error {
	var reply struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &reply) != nil {
		reply.Error = strings.TrimSpace(string(data))
	}
	return apierrors.FromStatus(resp.StatusCode, reply.Error)
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

func blobOf(resp *http.Response) *proto.Blob {
	blob := &proto.Blob{
		Reader:   resp.Body,
		MimeType: resp.Header.Get("Content-Type"),
		Size:     resp.ContentLength,
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		if digest, err := strconv.Unquote(etag); err == nil {
			blob.Digest = digest
		} else {
			blob.Digest = etag
		}
	}
	return blob
}

// Stat is the reply of the stat command.
type Stat struct {
	Guid      string                      `json:"guid"`
	Seqno     uint64                      `json:"seqno"`
	Mtime     int64                       `json:"mtime"`
	Documents map[string]map[string]int64 `json:"documents"`
}

func (c *Client) Stat(ctx context.Context) (*Stat, error) {
	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = "stat"
	stat := &Stat{}
	if err := c.CallJSON(ctx, req, stat); err != nil {
		return nil, err
	}
	return stat, nil
}

// Sync posts a sync packet stream and returns the streamed reply.
func (c *Client) Sync(ctx context.Context, packets io.Reader) (io.ReadCloser, error) {
	req := proto.NewRequest(proto.MethodPost)
	req.Cmd = "sync"
	req.ContentStream = packets
	req.ContentType = "application/octet-stream"
	resp, err := c.send(ctx, httpDoer{c.streams}, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Ping checks whether the node answers in time.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.Stat(ctx)
	return err
}
