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
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/pubsub"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/proto"
)

const (
	CmdSubscribe = "subscribe"

	defaultPingIntervalS = 30

	robots  = "User-agent: *\nDisallow: /\n"
	welcome = "<h2>Welcome to Sugar Network API!</h2>\n" +
		"<p>Consult <a href=\"http://wiki.sugarlabs.org/go/Platform_Team/Sugar_Network/API\">API documentation</a> for details.</p>\n"
)

type (
	Config struct {
		TrustUsers    bool `json:"trust_users"`
		PingIntervalS int  `json:"ping_interval_s"`
		// StaticDir holds favicon.ico and other files served as is
		StaticDir string `json:"static_dir"`
	}

	// RequestHook observes every request routed to the caller.
	RequestHook func(ctx context.Context, req *proto.Request, result interface{}, err error)

	Router struct {
		cfg       Config
		caller    proto.Caller
		publisher *pubsub.Publisher
		auth      *Auth
		handler   *rpc.Router

		hookLock sync.RWMutex
		hooks    []RequestHook
	}
)

// NewRouter serves commands of caller over http, auth may be nil when
// requests are anonymous.
func NewRouter(cfg *Config, caller proto.Caller, publisher *pubsub.Publisher, auth *Auth) *Router {
	if cfg.PingIntervalS <= 0 {
		cfg.PingIntervalS = defaultPingIntervalS
	}
	r := &Router{
		cfg:       *cfg,
		caller:    caller,
		publisher: publisher,
		auth:      auth,
		handler:   rpc.New(),
	}
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		r.handler.Handle(method, "/*path", r.dispatch)
	}
	return r
}

func (r *Router) Handler() http.Handler {
	return r.handler
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) AddHook(hook RequestHook) {
	r.hookLock.Lock()
	r.hooks = append(r.hooks, hook)
	r.hookLock.Unlock()
}

func (r *Router) dispatch(c *rpc.Context) {
	switch c.Request.URL.Path {
	case "/robots.txt":
		c.RespondWith(http.StatusOK, "text/plain", []byte(robots))
		return
	case "/favicon.ico":
		r.serveStatic(c, "favicon.ico")
		return
	case "/metrics":
		metrics.Handler().ServeHTTP(&contextWriter{c: c}, c.Request)
		return
	}

	start := time.Now()
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), c.Request.Method+" "+c.Request.URL.Path)
	defer span.Finish()

	req, err := ParseRequest(c.Request)
	if err == nil && r.auth != nil {
		req.Principal, err = r.auth.Authenticate(ctx, c.Request, req)
	}
	if err != nil {
		r.respond(ctx, c, nil, nil, nil, err)
		return
	}

	if req.Method == proto.MethodGet && req.Document == "" {
		switch req.Cmd {
		case CmdSubscribe:
			r.subscribe(ctx, &contextWriter{c: c}, req)
			return
		case "":
			c.RespondWith(http.StatusOK, "text/html", []byte(welcome))
			return
		}
	}

	resp := proto.NewResponse()
	result, err := r.caller.Call(ctx, req, resp)
	if err == apierrors.ErrNotHandled {
		err = apierrors.BadRequest("no way to handle %s %s", req.Method, req.URLPath())
	}
	status := r.respond(ctx, c, req, resp, result, err)
	metrics.RequestCounter.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		span.Warnf("%s %s failed: %s", req.Method, req.URLPath(), err)
	}

	r.hookLock.RLock()
	hooks := r.hooks
	r.hookLock.RUnlock()
	for _, hook := range hooks {
		hook(ctx, req, result, err)
	}
}

// respond renders result of a command and returns the http status.
func (r *Router) respond(ctx context.Context, c *rpc.Context, req *proto.Request, resp *proto.Response, result interface{}, err error) int {
	if err != nil {
		if redirect, ok := err.(*apierrors.RedirectError); ok {
			c.Writer.Header().Set("Location", redirect.Location)
			c.RespondStatus(http.StatusSeeOther)
			return http.StatusSeeOther
		}
		c.RespondError(err)
		return apierrors.StatusOf(err)
	}

	status := http.StatusOK
	if resp != nil {
		for key, values := range resp.Header {
			c.Writer.Header()[key] = values
		}
		if resp.Status != 0 {
			status = resp.Status
		}
	}

	switch v := result.(type) {
	case *proto.Blob:
		return r.streamBlob(ctx, c, v, status)
	case proto.Streamer:
		contentType := "application/octet-stream"
		if resp != nil && resp.ContentType != "" {
			contentType = resp.ContentType
		}
		c.Writer.Header().Set("Content-Type", contentType)
		c.RespondStatus(status)
		if err := v(ctx, &flushWriter{w: c.Writer}); err != nil {
			trace.SpanFromContextSafe(ctx).Errorf("stream %s failed: %s", req.URLPath(), err)
		}
		return status
	case io.Reader:
		contentType := "application/octet-stream"
		length := int64(-1)
		if resp != nil {
			if resp.ContentType != "" {
				contentType = resp.ContentType
			}
			length = resp.ContentLength
		}
		return r.stream(ctx, c, v, contentType, length, status)
	}
	c.RespondStatusData(status, result)
	return status
}

func (r *Router) streamBlob(ctx context.Context, c *rpc.Context, blob *proto.Blob, status int) int {
	reader := blob.Reader
	if reader == nil {
		f, err := os.Open(blob.Path)
		if err != nil {
			if os.IsNotExist(err) {
				err = apierrors.NotFound("blob is absent")
			}
			c.RespondError(err)
			return apierrors.StatusOf(err)
		}
		reader = f
	}
	defer reader.Close()

	header := c.Writer.Header()
	if blob.Digest != "" {
		header.Set("ETag", strconv.Quote(blob.Digest))
	}
	if blob.Filename != "" {
		header.Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(blob.Filename))
	}
	mimeType := blob.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return r.stream(ctx, c, reader, mimeType, blob.Size, status)
}

func (r *Router) stream(ctx context.Context, c *rpc.Context, reader io.Reader, contentType string, length int64, status int) int {
	header := c.Writer.Header()
	header.Set("Content-Type", contentType)
	if length >= 0 {
		header.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	c.RespondStatus(status)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("streaming interrupted: %s", err)
	}
	return status
}

func (r *Router) serveStatic(c *rpc.Context, name string) {
	if r.cfg.StaticDir == "" {
		c.RespondError(apierrors.NotFound("no %s", name))
		return
	}
	http.ServeFile(&contextWriter{c: c}, c.Request, filepath.Join(r.cfg.StaticDir, name))
}

// contextWriter hands net/http handlers a writer whose status goes
// through the rpc context, so the context never writes it again.
type contextWriter struct {
	c           *rpc.Context
	wroteHeader bool
}

func (w *contextWriter) Header() http.Header {
	return w.c.Writer.Header()
}

func (w *contextWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.c.RespondStatus(status)
}

func (w *contextWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.c.Writer.Write(p)
}

func (w *contextWriter) Flush() {
	w.c.Flush()
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
