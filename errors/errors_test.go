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

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusOK, StatusOf(nil))
	require.Equal(t, http.StatusBadRequest, StatusOf(BadRequest("too many segments")))
	require.Equal(t, http.StatusUnauthorized, StatusOf(ErrUnauthorized))
	require.Equal(t, http.StatusForbidden, StatusOf(Forbidden("not an author")))
	require.Equal(t, http.StatusNotFound, StatusOf(NotFound("document %s", "context")))
	require.Equal(t, http.StatusSeeOther, StatusOf(Redirect("http://example.org/blob")))
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(ErrUnavailable))
	require.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
	require.Equal(t, http.StatusNotFound, StatusOf(fmt.Errorf("wrapped: %w", ErrNotFound)))
}

func TestIs(t *testing.T) {
	require.True(t, Is(NotFound("guid"), ErrNotFound))
	require.False(t, Is(NotFound("guid"), ErrForbidden))
	require.False(t, Is(nil, ErrNotFound))
}

func TestFromStatus(t *testing.T) {
	for _, status := range []int{
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable,
	} {
		require.Equal(t, status, StatusOf(FromStatus(status, "")))
	}
	require.Equal(t, http.StatusInternalServerError, StatusOf(FromStatus(http.StatusTeapot, "odd")))
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(FromStatus(http.StatusBadGateway, "")))
}
