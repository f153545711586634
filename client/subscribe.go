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

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/sugarlabs/sugar-network/proto"
)

// Subscription decodes a server sent events stream.
type Subscription struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Subscribe opens the event stream of the node, cond narrows events down
// by their fields.
func (c *Client) Subscribe(ctx context.Context, cond map[string]string, onlyCommits bool) (*Subscription, error) {
	req := proto.NewRequest(proto.MethodGet)
	req.Cmd = "subscribe"
	for name, value := range cond {
		req.SetArg(name, value)
	}
	if onlyCommits {
		req.SetArg("only_commits", "1")
	}
	resp, err := c.send(ctx, httpDoer{c.streams}, req)
	if err != nil {
		return nil, err
	}
	return &Subscription{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// Next blocks until the next event, io.EOF means the stream is over.
func (s *Subscription) Next() (*proto.Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return nil, err
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := &proto.Event{}
		if err = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), event); err != nil {
			return nil, err
		}
		return event, nil
	}
}

func (s *Subscription) Close() error {
	return s.body.Close()
}
