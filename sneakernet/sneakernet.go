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

// Package sneakernet reads and writes sync packets. A packet is a header
// line followed by record lines, every line is a JSON object. Packets
// travel as files on removable media or concatenated in one HTTP body.
package sneakernet

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"

	"github.com/sugarlabs/sugar-network/common/sequence"
	"github.com/sugarlabs/sugar-network/resource"
)

// packet types
const (
	PacketDiff      = "diff"
	PacketPull      = "pull"
	PacketPush      = "push"
	PacketAck       = "ack"
	PacketFilesDiff = "files_diff"
	PacketFilesPull = "files_pull"
	PacketStatsDiff = "stats_diff"
	PacketStatsAck  = "stats_ack"
)

// record types
const (
	RecordDiff   = "diff"
	RecordCommit = "commit"
	RecordFile   = "file"
	RecordStats  = "stats"
	RecordAck    = "ack"
)

// file operations
const (
	OpUpdate = "update"
	OpDelete = "delete"
)

const Suffix = ".sneakernet"

// ErrPacketFull is returned when a record does not fit the size budget.
var ErrPacketFull = errors.New("packet is full")

type (
	Header struct {
		Packet   string            `json:"packet"`
		Src      string            `json:"src"`
		Dst      string            `json:"dst,omitempty"`
		APIURL   string            `json:"api_url,omitempty"`
		Session  string            `json:"session,omitempty"`
		Filename string            `json:"filename,omitempty"`
		Sequence sequence.Sequence `json:"sequence,omitempty"`
		Layer    []string          `json:"layer,omitempty"`

		// Seqno is the sender seqno at the time the packet was written.
		Seqno uint64 `json:"seqno,omitempty"`
	}

	Record struct {
		Type     string              `json:"type"`
		Document string              `json:"document,omitempty"`
		Guid     string              `json:"guid,omitempty"`
		Diff     resource.RecordDiff `json:"diff,omitempty"`
		Sequence sequence.Sequence   `json:"sequence,omitempty"`

		// shared files
		Op   string `json:"op,omitempty"`
		Path string `json:"path,omitempty"`
		Blob []byte `json:"blob,omitempty"`

		// user stats
		DB         string             `json:"db,omitempty"`
		User       string             `json:"user,omitempty"`
		Timestamp  int64              `json:"timestamp,omitempty"`
		Values     map[string]float64 `json:"values,omitempty"`
		Timestamps map[string]int64   `json:"timestamps,omitempty"`

		// acks
		PushSequence sequence.Sequence `json:"push_sequence,omitempty"`
		PullSequence sequence.Sequence `json:"pull_sequence,omitempty"`
	}
)

// Writer encodes one packet.
type Writer struct {
	w       *bufio.Writer
	header  *Header
	limit   int64
	size    int64
	records int
}

// NewWriter writes the header, limit caps the packet size and zero means
// no limit. Commit records are never refused.
func NewWriter(w io.Writer, header *Header, limit int64) (*Writer, error) {
	if header.Packet == "" {
		return nil, errors.New("packet type is not set")
	}
	pw := &Writer{w: bufio.NewWriter(w), header: header, limit: limit}
	line, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if err = pw.writeLine(line, true); err != nil {
		return nil, err
	}
	return pw, nil
}

func (w *Writer) Header() *Header {
	return w.header
}

func (w *Writer) Write(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err = w.writeLine(line, rec.Type != RecordCommit); err != nil {
		return err
	}
	w.records++
	return nil
}

func (w *Writer) Commit(seq sequence.Sequence) error {
	return w.Write(&Record{Type: RecordCommit, Sequence: seq})
}

func (w *Writer) writeLine(line []byte, limited bool) error {
	n := int64(len(line) + 1)
	if limited && w.limit > 0 && w.size+n > w.limit {
		return ErrPacketFull
	}
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.size += n
	return nil
}

// Size counts the bytes written so far, the header included.
func (w *Writer) Size() int64 {
	return w.size
}

// Records counts written records, commits included.
func (w *Writer) Records() int {
	return w.records
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

type (
	Options struct {
		// Limit caps the packet size in bytes, zero means no limit.
		Limit int64

		// Wrap decorates the file writer, e.g. with a rate limiter.
		Wrap func(w io.Writer) io.Writer
	}

	// File is a packet written to <dir>/<seqno>.sneakernet. The file shows
	// up only when closed, an aborted packet leaves nothing behind.
	File struct {
		*Writer
		path string
		pf   *renameio.PendingFile
	}
)

func Create(dir string, seqno uint64, header *Header, opts Options) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var path string
	for {
		path = filepath.Join(dir, strconv.FormatUint(seqno, 10)+Suffix)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		seqno++
	}
	pf, err := renameio.TempFile(dir, path)
	if err != nil {
		return nil, err
	}
	header.Filename = filepath.Base(path)
	var w io.Writer = pf
	if opts.Wrap != nil {
		w = opts.Wrap(w)
	}
	pw, err := NewWriter(w, header, opts.Limit)
	if err != nil {
		pf.Cleanup()
		return nil, err
	}
	return &File{Writer: pw, path: path, pf: pf}, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Close() error {
	if err := f.Flush(); err != nil {
		f.pf.Cleanup()
		return err
	}
	return f.pf.CloseAtomicallyReplace()
}

func (f *File) Abort() {
	f.pf.Cleanup()
}
