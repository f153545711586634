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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sugarlabs/sugar-network/common/sequence"
	"github.com/sugarlabs/sugar-network/resource"
)

func diffRecord(guid string) *Record {
	return &Record{
		Type:     RecordDiff,
		Document: "context",
		Guid:     guid,
		Diff:     resource.RecordDiff{"title": {Value: map[string]interface{}{"en": guid}, Mtime: 1}},
	}
}

func readAll(t *testing.T, r *Reader) []*Record {
	var records []*Record
	require.NoError(t, r.Each(func(rec *Record) error {
		records = append(records, rec)
		return nil
	}))
	return records
}

func TestStream(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &Header{Packet: PacketPull, Src: "slave", Sequence: sequence.Full()}, 0)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	w, err = NewWriter(buf, &Header{Packet: PacketPush, Src: "slave", Dst: "master"}, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(diffRecord("g1")))
	require.NoError(t, w.Write(diffRecord("g2")))
	require.NoError(t, w.Commit(sequence.New(sequence.Range{Start: 1, End: 2})))
	require.NoError(t, w.Flush())
	require.Equal(t, 3, w.Records())
	require.Less(t, w.Size(), int64(buf.Len()))

	r := NewReader(buf)
	header, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, PacketPull, header.Packet)
	require.Equal(t, sequence.Full(), header.Sequence)
	require.Empty(t, readAll(t, r))

	header, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, PacketPush, header.Packet)
	require.Equal(t, "master", header.Dst)
	records := readAll(t, r)
	require.Len(t, records, 3)
	require.Equal(t, "g1", records[0].Guid)
	require.Equal(t, int64(1), records[1].Diff["title"].Mtime)
	require.Equal(t, RecordCommit, records[2].Type)
	require.Equal(t, sequence.New(sequence.Range{Start: 1, End: 2}), records[2].Sequence)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestStream_SkipUnread(t *testing.T) {
	buf := &bytes.Buffer{}
	for _, packet := range []string{PacketDiff, PacketAck} {
		w, err := NewWriter(buf, &Header{Packet: packet, Src: "master"}, 0)
		require.NoError(t, err)
		require.NoError(t, w.Write(&Record{Type: RecordAck, PushSequence: sequence.New(sequence.Range{Start: 1, End: 1})}))
		require.NoError(t, w.Flush())
	}
	r := NewReader(buf)
	header, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, PacketDiff, header.Packet)
	header, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, PacketAck, header.Packet)
	records := readAll(t, r)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].PushSequence.First())
}

func TestWriter_Limit(t *testing.T) {
	buf := &bytes.Buffer{}
	_, err := NewWriter(buf, &Header{Packet: PacketDiff, Src: "a-long-source-name"}, 10)
	require.Equal(t, ErrPacketFull, err)

	buf.Reset()
	w, err := NewWriter(buf, &Header{Packet: PacketDiff, Src: "slave"}, 200)
	require.NoError(t, err)
	written := 0
	for {
		if err = w.Write(diffRecord("guid")); err != nil {
			break
		}
		written++
	}
	require.Equal(t, ErrPacketFull, err)
	require.Greater(t, written, 0)
	require.LessOrEqual(t, w.Size(), int64(200))
	// commits always fit
	require.NoError(t, w.Commit(sequence.New(sequence.Range{Start: 1, End: uint64(written)})))
	require.NoError(t, w.Flush())

	r := NewReader(buf)
	_, err = r.Next()
	require.NoError(t, err)
	require.Len(t, readAll(t, r), written+1)
}

func TestReader_Truncated(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, &Header{Packet: PacketDiff, Src: "master"}, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(diffRecord("g1")))
	require.NoError(t, w.Commit(sequence.New(sequence.Range{Start: 1, End: 1})))
	require.NoError(t, w.Write(diffRecord("g2")))
	require.NoError(t, w.Write(diffRecord("g3")))
	require.NoError(t, w.Flush())
	data := buf.Bytes()
	// cut the last record in half
	data = data[:len(data)-20]

	r := NewReader(bytes.NewReader(data))
	_, err = r.Next()
	require.NoError(t, err)
	records := readAll(t, r)
	require.Len(t, records, 2)
	require.Equal(t, "g1", records[0].Guid)
	require.Equal(t, RecordCommit, records[1].Type)
	require.Equal(t, 1, r.Discarded())
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestCreateWalk(t *testing.T) {
	dir := t.TempDir()
	create := func(seqno uint64, header *Header) *File {
		f, err := Create(dir, seqno, header, Options{})
		require.NoError(t, err)
		require.NoError(t, f.Commit(nil))
		require.NoError(t, f.Close())
		return f
	}
	own := create(1, &Header{Packet: PacketPull, Src: "slave", Session: "s1"})
	ack := create(1, &Header{Packet: PacketAck, Src: "master", Dst: "slave"})
	diff := create(5, &Header{Packet: PacketDiff, Src: "master", Dst: "slave"})
	pull := create(3, &Header{Packet: PacketPull, Src: "other"})
	require.Equal(t, filepath.Join(dir, "1"+Suffix), own.Path())
	require.Equal(t, filepath.Join(dir, "2"+Suffix), ack.Path())

	aborted, err := Create(dir, 9, &Header{Packet: PacketDiff, Src: "slave"}, Options{})
	require.NoError(t, err)
	require.NoError(t, aborted.Write(diffRecord("g1")))
	aborted.Abort()
	_, err = os.Stat(aborted.Path())
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "7"+Suffix), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("{}"), 0o644))

	packets, err := Walk(dir, "slave")
	require.NoError(t, err)
	var paths []string
	for _, p := range packets {
		paths = append(paths, p.Path)
	}
	require.Equal(t, []string{diff.Path(), pull.Path(), ack.Path(), own.Path()}, paths)
	require.True(t, packets[3].Own)
	require.Equal(t, "s1", packets[3].Header.Session)
	require.Equal(t, filepath.Base(diff.Path()), packets[0].Header.Filename)

	var records []*Record
	require.NoError(t, packets[0].Read(func(rec *Record) error {
		records = append(records, rec)
		return nil
	}))
	require.Len(t, records, 1)
	require.NoError(t, packets[0].Remove())

	packets, err = Walk(filepath.Join(dir, "missing"), "slave")
	require.NoError(t, err)
	require.Empty(t, packets)
}
