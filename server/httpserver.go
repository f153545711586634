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

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
)

const (
	defaultShutdownTimeoutS    = 10
	defaultReadRequestTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

// Serve listens on the configured port. No write timeout is set, event
// streams and sync replies outlive any fixed deadline.
func (h *HttpServer) Serve() {
	addr := ":" + strconv.Itoa(int(h.cfg.Port))
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.auditor != nil {
		handlers = append(handlers, h.auditor)
	}
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     rpc.MiddlewareHandlerWith(h.router.Handler().(*rpc.Router), handlers...),
		ReadTimeout: defaultReadRequestTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	if h.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}
