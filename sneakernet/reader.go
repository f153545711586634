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

package sneakernet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/util/log"
)

var errTruncated = errors.New("truncated record")

type RecordFunc func(rec *Record) error

// Reader decodes a stream of packets. Records are handed out up to the
// last commit, a truncated tail is dropped back to it.
type Reader struct {
	br        *bufio.Reader
	header    *Header
	done      bool
	peeked    *Header // met while reading records of the previous packet
	discarded int     // records dropped with truncated tails
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next moves to the next packet skipping unread records of the current
// one, io.EOF ends the stream.
func (r *Reader) Next() (*Header, error) {
	if r.peeked == nil && r.header != nil && !r.done {
		if err := r.Each(func(*Record) error { return nil }); err != nil {
			return nil, err
		}
	}
	if r.peeked != nil {
		r.header, r.peeked = r.peeked, nil
		return r.header, nil
	}
	if r.done {
		return nil, io.EOF
	}
	header, rec, err := r.readLine()
	switch {
	case err == errTruncated || err == io.EOF:
		r.done = true
		return nil, io.EOF
	case err != nil:
		return nil, err
	case rec != nil:
		r.done = true
		return nil, errors.New("stream does not start with a packet header")
	}
	r.header = header
	return header, nil
}

func (r *Reader) Header() *Header {
	return r.header
}

func (r *Reader) Discarded() int {
	return r.discarded
}

// Each passes records of the current packet to fn.
func (r *Reader) Each(fn RecordFunc) error {
	if r.header == nil || r.peeked != nil || r.done {
		return nil
	}
	var pending []*Record
	flush := func() error {
		for _, rec := range pending {
			if err := fn(rec); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}
	for {
		header, rec, err := r.readLine()
		switch {
		case err == io.EOF:
			r.done = true
			return flush()
		case err == errTruncated:
			r.done = true
			if len(pending) > 0 {
				log.Warnf("%s packet is truncated, %d records dropped", r.header.Packet, len(pending))
			}
			r.discarded += len(pending)
			return nil
		case err != nil:
			return err
		case header != nil:
			r.peeked = header
			return flush()
		}
		pending = append(pending, rec)
		if rec.Type == RecordCommit {
			if err = flush(); err != nil {
				return err
			}
		}
	}
}

func (r *Reader) readLine() (*Header, *Record, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, nil, io.EOF
			}
			return nil, nil, errTruncated
		}
		if err != nil {
			return nil, nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Packet string `json:"packet"`
		}
		if err = json.Unmarshal(line, &probe); err != nil {
			return nil, nil, errTruncated
		}
		if probe.Packet != "" {
			header := &Header{}
			if err = json.Unmarshal(line, header); err != nil {
				return nil, nil, errTruncated
			}
			return header, nil, nil
		}
		rec := &Record{}
		if err = json.Unmarshal(line, rec); err != nil {
			return nil, nil, errTruncated
		}
		return nil, rec, nil
	}
}

// Packet is a packet file found by Walk.
type Packet struct {
	Path   string
	Header *Header

	// Own packets were written by the walking node itself.
	Own bool
}

// Read passes records of the packet to fn.
func (p *Packet) Read(fn RecordFunc) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := NewReader(f)
	if _, err = r.Next(); err != nil {
		return err
	}
	return r.Each(fn)
}

func (p *Packet) Remove() error {
	return os.Remove(p.Path)
}

// Walk lists packet files of dir: incoming pushes and diffs first, then
// pulls, then acks, then packets self wrote before. Unreadable files are
// skipped.
func Walk(dir, self string) ([]*Packet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var packets []*Packet
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		header, err := readHeader(path)
		if err != nil {
			log.Warnf("skip packet %s: %s", path, err)
			continue
		}
		packets = append(packets, &Packet{Path: path, Header: header, Own: self != "" && header.Src == self})
	}
	sort.SliceStable(packets, func(i, j int) bool {
		pi, pj := priority(packets[i]), priority(packets[j])
		if pi != pj {
			return pi < pj
		}
		return fileSeqno(packets[i].Path) < fileSeqno(packets[j].Path)
	})
	return packets, nil
}

func readHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).Next()
}

func priority(p *Packet) int {
	if p.Own {
		return 3
	}
	switch p.Header.Packet {
	case PacketPush, PacketDiff, PacketFilesDiff, PacketStatsDiff:
		return 0
	case PacketPull, PacketFilesPull:
		return 1
	}
	return 2
}

func fileSeqno(path string) uint64 {
	seqno, _ := strconv.ParseUint(strings.TrimSuffix(filepath.Base(path), Suffix), 10, 64)
	return seqno
}
