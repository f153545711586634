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

// Package limiter throttles BLOB downloads from a remote node and writes
// onto removable media.
package limiter

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/sugarlabs/sugar-network/errors"
)

const kb = 1 << 10

type (
	Limiter interface {
		AcquireFetch() error
		ReleaseFetch()
		// Reader limits the rate BLOBs are fetched at.
		Reader(ctx context.Context, r io.Reader) io.Reader
		// Writer limits the rate packets are written at.
		Writer(ctx context.Context, w io.Writer) io.Writer
		SetFetchConcurrency(value uint32)
		SetFetchKBPS(kbps int)
		SetWriteKBPS(kbps int)
		Status() Status
	}
	Config struct {
		FetchConcurrency int `json:"fetch_concurrency"`
		FetchKBPS        int `json:"fetch_kbps"`
		WriteKBPS        int `json:"write_kbps"`
	}
	Status struct {
		Config       Config `json:"config"`
		FetchRunning int    `json:"fetch_running"`
		FetchWaitMs  int    `json:"fetch_wait_ms"`
		WriteWaitMs  int    `json:"write_wait_ms"`
	}

	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	limiter struct {
		config     Config
		fetchCount *countLimit
		fetchRate  atomic.Value
		writeRate  atomic.Value
	}
)

// Read never asks for more than one burst, WaitN rejects larger requests.
func (r *reader) Read(p []byte) (int, error) {
	if burst := r.rate.Burst(); len(p) > burst {
		p = p[:burst]
	}
	if err := r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if burst := w.rate.Burst(); len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := w.rate.WaitN(w.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := w.underlying.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// New returns a limiter, zero values of the config mean no limit.
func New(cfg Config) Limiter {
	lim := &limiter{config: cfg}
	if cfg.FetchConcurrency > 0 {
		lim.fetchCount = &countLimit{limit: uint32(cfg.FetchConcurrency)}
	}
	lim.fetchRate.Store(newRate(cfg.FetchKBPS))
	lim.writeRate.Store(newRate(cfg.WriteKBPS))
	return lim
}

func newRate(kbps int) *rate.Limiter {
	if kbps <= 0 {
		return (*rate.Limiter)(nil)
	}
	return rate.NewLimiter(rate.Limit(kbps*kb), kbps*kb)
}

func (lim *limiter) AcquireFetch() error {
	if lim.fetchCount != nil && !lim.fetchCount.acquire() {
		return apierrors.Unavailable("too many concurrent downloads")
	}
	return nil
}

func (lim *limiter) ReleaseFetch() {
	if lim.fetchCount != nil {
		lim.fetchCount.release()
	}
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if rl := lim.fetchRate.Load().(*rate.Limiter); rl != nil {
		return &reader{ctx: ctx, rate: rl, underlying: r}
	}
	return r
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if rl := lim.writeRate.Load().(*rate.Limiter); rl != nil {
		return &writer{ctx: ctx, rate: rl, underlying: w}
	}
	return w
}

func (lim *limiter) SetFetchConcurrency(value uint32) {
	if lim.fetchCount == nil {
		lim.fetchCount = &countLimit{limit: value}
	} else {
		atomic.StoreUint32(&lim.fetchCount.limit, value)
	}
	lim.config.FetchConcurrency = int(value)
}

func (lim *limiter) SetFetchKBPS(kbps int) {
	lim.fetchRate.Store(newRate(kbps))
	lim.config.FetchKBPS = kbps
}

func (lim *limiter) SetWriteKBPS(kbps int) {
	lim.writeRate.Store(newRate(kbps))
	lim.config.WriteKBPS = kbps
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.config}
	if lim.fetchCount != nil {
		st.FetchRunning = int(atomic.LoadUint32(&lim.fetchCount.current))
	}
	st.FetchWaitMs = rateWait(lim.fetchRate.Load().(*rate.Limiter))
	st.WriteWaitMs = rateWait(lim.writeRate.Load().(*rate.Limiter))
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, r.Burst()/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

func (l *countLimit) acquire() bool {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return false
	}
	return true
}

func (l *countLimit) release() {
	atomic.AddUint32(&l.current, minusOne)
}
