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

package proto

const (
	// MountpointRoot addresses the remote master.
	MountpointRoot = "/"
	// MountpointHome addresses the private home volume.
	MountpointHome = "~"

	ReqIdKey = "req-id"

	DefaultLang = "en"
)

// home-local properties, they never leave the home volume
var LocalProps = []string{"favorite", "clone", "position", "keep", "keep_impl"}

// document families the home-local properties are mixed into
var ProxyDocuments = []string{"context", "artifact"}

func IsLocalProp(name string) bool {
	for _, prop := range LocalProps {
		if prop == name {
			return true
		}
	}
	return false
}

func IsProxyDocument(name string) bool {
	for _, doc := range ProxyDocuments {
		if doc == name {
			return true
		}
	}
	return false
}
