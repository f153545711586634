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

package limiter

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/sugarlabs/sugar-network/errors"
)

func TestLimiter_Fetch(t *testing.T) {
	lim := New(Config{FetchConcurrency: 2})
	require.NoError(t, lim.AcquireFetch())
	require.NoError(t, lim.AcquireFetch())
	err := lim.AcquireFetch()
	require.True(t, apierrors.Is(err, apierrors.ErrUnavailable))
	require.Equal(t, 2, lim.Status().FetchRunning)

	lim.ReleaseFetch()
	require.NoError(t, lim.AcquireFetch())
	lim.SetFetchConcurrency(3)
	require.NoError(t, lim.AcquireFetch())
	require.Equal(t, 3, lim.Status().FetchRunning)
}

func TestLimiter_Unlimited(t *testing.T) {
	lim := New(Config{})
	r := strings.NewReader("data")
	require.Equal(t, io.Reader(r), lim.Reader(context.TODO(), r))
	w := &bytes.Buffer{}
	require.Equal(t, io.Writer(w), lim.Writer(context.TODO(), w))
	for i := 0; i < 100; i++ {
		require.NoError(t, lim.AcquireFetch())
	}
	require.Zero(t, lim.Status().FetchWaitMs)
}

func TestLimiter_Rate(t *testing.T) {
	lim := New(Config{FetchKBPS: 64, WriteKBPS: 64})
	data := bytes.Repeat([]byte("x"), 160*kb)

	start := time.Now()
	read, err := io.ReadAll(lim.Reader(context.TODO(), bytes.NewReader(data)))
	require.NoError(t, err)
	require.Equal(t, data, read)
	// the first burst is free, the rest takes at least a second
	require.GreaterOrEqual(t, time.Since(start), time.Second)

	out := &bytes.Buffer{}
	n, err := lim.Writer(context.TODO(), out).Write(data[:100*kb])
	require.NoError(t, err)
	require.Equal(t, 100*kb, n)
	require.Equal(t, data[:100*kb], out.Bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lim.Writer(ctx, out).Write(data)
	require.Error(t, err)

	lim.SetFetchKBPS(0)
	require.Equal(t, 0, lim.Status().Config.FetchKBPS)
}
