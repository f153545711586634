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

import (
	"encoding/json"
	"strings"
)

type NodeRole int

const (
	NodeRoleUnknown NodeRole = iota
	NodeRoleMaster
	NodeRoleSlave
	NodeRoleClient
)

var roleNames = map[NodeRole]string{
	NodeRoleUnknown: "unknown",
	NodeRoleMaster:  "master",
	NodeRoleSlave:   "slave",
	NodeRoleClient:  "client",
}

func (r NodeRole) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return roleNames[NodeRoleUnknown]
}

func ParseNodeRole(s string) NodeRole {
	s = strings.ToLower(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == s {
			return role
		}
	}
	return NodeRoleUnknown
}

func (r NodeRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *NodeRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseNodeRole(s)
	return nil
}

// NodeInfo is what a node answers on the stat handshake.
type NodeInfo struct {
	Guid   string   `json:"guid"`
	Role   NodeRole `json:"role"`
	Seqno  uint64   `json:"seqno"`
	Master string   `json:"master,omitempty"`
	ApiURL string   `json:"api_url,omitempty"`
}
