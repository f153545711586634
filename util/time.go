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

package util

import (
	"io"
	"time"
)

type (
	// TimeReader accounts bytes and the time spent in the underlying
	// reader, sync sessions log them as throughput.
	TimeReader struct {
		R  io.Reader
		n  int64
		dt time.Duration
	}
	TimeWriter struct {
		W  io.Writer
		n  int64
		dt time.Duration
	}
)

func (tr *TimeReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tr.R.Read(p)
	tr.n += int64(n)
	tr.dt += time.Since(start)
	return n, err
}

func (tr *TimeReader) GetCost() time.Duration {
	return tr.dt
}

func (tr *TimeReader) Size() int64 {
	return tr.n
}

func (tw *TimeWriter) Write(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tw.W.Write(p)
	tw.n += int64(n)
	tw.dt += time.Since(start)
	return n, err
}

func (tw *TimeWriter) GetCost() time.Duration {
	return tw.dt
}

func (tw *TimeWriter) Size() int64 {
	return tw.n
}

// Now returns seconds since epoch, it is swapped in tests.
var Now = func() int64 {
	return time.Now().Unix()
}
