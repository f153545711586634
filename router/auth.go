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
	"net/http"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/util"
)

const (
	HeaderUser   = "Sugar-User"
	authScheme   = "Sugar "
	userDocument = "user"
)

type (
	// UserLookup reports whether a registered user exists.
	UserLookup func(ctx context.Context, uid string) (bool, error)

	// Auth identifies the principal of a request. Validated principals are
	// cached for the process lifetime.
	Auth struct {
		trust  bool
		lookup UserLookup
		cache  *hashmap.HashMap
	}
)

func NewAuth(lookup UserLookup, trustUsers bool) *Auth {
	return &Auth{trust: trustUsers, lookup: lookup, cache: &hashmap.HashMap{}}
}

// Authenticate returns an empty principal for anonymous requests.
func (a *Auth) Authenticate(ctx context.Context, r *http.Request, req *proto.Request) (string, error) {
	uid := principalOf(r)
	if uid == "" {
		return "", nil
	}
	if !util.IsGuid(uid) {
		return "", apierrors.Unauthorized("malformed principal %q", uid)
	}
	if _, ok := a.cache.Get(uid); ok {
		return uid, nil
	}
	if a.trust {
		a.cache.Set(uid, true)
		return uid, nil
	}

	exists := false
	if a.lookup != nil {
		var err error
		if exists, err = a.lookup(ctx, uid); err != nil {
			return "", err
		}
	}
	if exists {
		a.cache.Set(uid, true)
		return uid, nil
	}
	// users register themselves
	if req.Method == proto.MethodPost && req.Document == userDocument && req.Guid == "" {
		return uid, nil
	}
	trace.SpanFromContextSafe(ctx).Infof("principal %q is not registered", uid)
	return "", apierrors.Unauthorized("principal %q is not registered", uid)
}

// Forget drops a cached principal, e.g. after its user record is gone.
func (a *Auth) Forget(uid string) {
	a.cache.Del(uid)
}

func principalOf(r *http.Request) string {
	if uid := strings.TrimSpace(r.Header.Get(HeaderUser)); uid != "" {
		return uid
	}
	if value := r.Header.Get("Authorization"); strings.HasPrefix(value, authScheme) {
		return strings.TrimSpace(value[len(authScheme):])
	}
	return ""
}
