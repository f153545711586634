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

	"github.com/cubefs/cubefs/blobstore/common/rpc"
)

const (
	CodeBadRequest   = "BadRequest"
	CodeUnauthorized = "Unauthorized"
	CodeForbidden    = "Forbidden"
	CodeNotFound     = "NotFound"
	CodeRedirect     = "Redirect"
	CodeConflict     = "Conflict"
	CodeUnavailable  = "Unavailable"
	CodeInternal     = "Internal"
)

// error kinds surfaced to callers, every kind maps onto one http status
var (
	ErrBadRequest   = rpc.NewError(http.StatusBadRequest, CodeBadRequest, errors.New("bad request"))
	ErrUnauthorized = rpc.NewError(http.StatusUnauthorized, CodeUnauthorized, errors.New("authentication required"))
	ErrForbidden    = rpc.NewError(http.StatusForbidden, CodeForbidden, errors.New("operation is not permitted"))
	ErrNotFound     = rpc.NewError(http.StatusNotFound, CodeNotFound, errors.New("not found"))
	ErrConflict     = rpc.NewError(http.StatusConflict, CodeConflict, errors.New("conflict"))
	ErrUnavailable  = rpc.NewError(http.StatusServiceUnavailable, CodeUnavailable, errors.New("not mounted"))
	ErrInternal     = rpc.NewError(http.StatusInternalServerError, CodeInternal, errors.New("internal error"))
)

var (
	ErrNotHandled = errors.New("command is not handled")

	ErrUnknownDocument = errors.New("unknown document")
	ErrUnknownProperty = errors.New("unknown property")
	ErrInvalidGuid     = errors.New("invalid guid")
	ErrInvalidValue    = errors.New("invalid property value")
	ErrReadOnly        = errors.New("volume is read only")
	ErrClosed          = errors.New("already closed")
)

type statusCoder interface {
	StatusCode() int
}

// RedirectError is returned when a BLOB resolves to an external location.
type RedirectError struct {
	Location string
}

func (e *RedirectError) Error() string {
	return "redirect to " + e.Location
}

func (e *RedirectError) StatusCode() int {
	return http.StatusSeeOther
}

func (e *RedirectError) ErrorCode() string {
	return CodeRedirect
}

func Redirect(location string) error {
	return &RedirectError{Location: location}
}

func BadRequest(format string, args ...interface{}) error {
	return newError(http.StatusBadRequest, CodeBadRequest, format, args...)
}

func Unauthorized(format string, args ...interface{}) error {
	return newError(http.StatusUnauthorized, CodeUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return newError(http.StatusForbidden, CodeForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(http.StatusNotFound, CodeNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newError(http.StatusConflict, CodeConflict, format, args...)
}

func Unavailable(format string, args ...interface{}) error {
	return newError(http.StatusServiceUnavailable, CodeUnavailable, format, args...)
}

// StatusOf returns the http status the error is surfaced with.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

// Is reports whether err belongs to the same kind as target.
func Is(err error, target *rpc.Error) bool {
	return err != nil && StatusOf(err) == target.Status
}

// FromStatus restores an error kind from the status a remote peer replied with.
func FromStatus(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return BadRequest("%s", msg)
	case http.StatusUnauthorized:
		return Unauthorized("%s", msg)
	case http.StatusForbidden:
		return Forbidden("%s", msg)
	case http.StatusNotFound:
		return NotFound("%s", msg)
	case http.StatusConflict:
		return Conflict("%s", msg)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return Unavailable("%s", msg)
	default:
		return newError(http.StatusInternalServerError, CodeInternal, "%s", msg)
	}
}

func newError(status int, code string, format string, args ...interface{}) error {
	return rpc.NewError(status, code, fmt.Errorf(format, args...))
}
