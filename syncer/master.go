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

package syncer

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/sequence"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/util/limiter"
	"github.com/sugarlabs/sugar-network/volume"
)

type (
	// session is what one slave asked for within a request or a medium.
	session struct {
		src    string
		layers []string

		pull       sequence.Sequence
		pulls      bool
		filesPull  sequence.Sequence
		filesPulls bool

		pushed sequence.Sequence
		merged sequence.Sequence

		stats       map[string]int64
		statsPushed bool
	}

	sessions map[string]*session

	// packet is an open reply packet.
	packet struct {
		*sneakernet.Writer
		close func() error
		abort func()
	}

	openFunc func(header *sneakernet.Header) (*packet, error)

	// Master answers slaves, online over http and offline through
	// packets they left on removable media.
	Master struct {
		cfg      Config
		volume   *volume.Volume
		files    *Files
		stats    StatsExchange
		limiter  limiter.Limiter
		diskFree DiskFreeFunc
	}
)

func (ss sessions) get(src string) *session {
	s, ok := ss[src]
	if !ok {
		s = &session{src: src, stats: make(map[string]int64)}
		ss[src] = s
	}
	return s
}

func (ss sessions) sorted() []*session {
	list := make([]*session, 0, len(ss))
	for _, s := range ss {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].src < list[j].src })
	return list
}

// NewMaster creates the master side, files and stats are optional.
func NewMaster(cfg *Config, v *volume.Volume, files *Files, stats StatsExchange) *Master {
	fixConfig(cfg)
	return &Master{
		cfg:      *cfg,
		volume:   v,
		files:    files,
		stats:    stats,
		limiter:  limiter.New(cfg.Limit),
		diskFree: util.DiskFree,
	}
}

// Register serves POST /?cmd=sync, media syncs and the shared packages
// tree.
func (m *Master) Register(p *volume.Processor) {
	p.Register(
		&volume.Command{
			Method:  proto.MethodPost,
			Level:   volume.LevelVolume,
			Cmd:     CmdSync,
			Access:  resource.AccessAuth,
			Handler: m.sync,
		},
		&volume.Command{
			Method:  proto.MethodPost,
			Level:   volume.LevelVolume,
			Cmd:     CmdOfflineSync,
			Handler: m.syncMedia,
		},
	)
	if m.files != nil {
		m.files.Register(p)
	}
}

func (m *Master) sync(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	if req.ContentStream == nil {
		return nil, apierrors.BadRequest("sync packets are expected")
	}
	streamer, err := m.HandleSync(ctx, req.ContentStream)
	if err != nil {
		return nil, err
	}
	resp.ContentType = "application/octet-stream"
	return streamer, nil
}

func (m *Master) syncMedia(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	path := req.Arg("path")
	if path == "" {
		return nil, apierrors.BadRequest("path argument is missing")
	}
	return nil, m.SyncMedia(ctx, path)
}

// HandleSync merges request packets right away and returns the reply
// to stream back.
func (m *Master) HandleSync(ctx context.Context, packets io.Reader) (proto.Streamer, error) {
	ss := make(sessions)
	r := sneakernet.NewReader(packets)
	for {
		header, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apierrors.BadRequest("malformed sync request: %s", err)
		}
		if err = m.consume(ctx, header, r.Each, ss); err != nil {
			return nil, err
		}
	}
	if n := r.Discarded(); n > 0 {
		return nil, apierrors.BadRequest("sync request is truncated, %d records dropped", n)
	}
	return func(ctx context.Context, w io.Writer) error {
		span := trace.SpanFromContextSafe(ctx)
		tw := &util.TimeWriter{W: w}
		defer func() {
			span.Debugf("sync reply of %d bytes written in %s", tw.Size(), tw.GetCost())
		}()
		open := func(header *sneakernet.Header) (*packet, error) {
			pw, err := sneakernet.NewWriter(tw, header, 0)
			if err != nil {
				return nil, err
			}
			return &packet{Writer: pw, close: pw.Flush, abort: func() {}}, nil
		}
		for _, s := range ss.sorted() {
			if err := m.reply(ctx, s, open); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// SyncMedia answers slave packets found in path. Earlier replies to a
// slave met again are replaced by fresh ones.
func (m *Master) SyncMedia(ctx context.Context, path string) error {
	span, ctx := trace.StartSpanFromContext(ctx, "sync-media")
	self, err := m.volume.Guid()
	if err != nil {
		return err
	}
	packets, err := sneakernet.Walk(path, self)
	if err != nil {
		return err
	}

	ss := make(sessions)
	var own []*sneakernet.Packet
	for _, p := range packets {
		if p.Own {
			own = append(own, p)
			continue
		}
		if p.Header.Dst != "" && p.Header.Dst != self {
			continue
		}
		if err = m.consume(ctx, p.Header, p.Read, ss); err != nil {
			return err
		}
	}
	for _, p := range own {
		if _, ok := ss[p.Header.Dst]; ok {
			if err = p.Remove(); err != nil {
				return err
			}
		}
	}

	open := func(header *sneakernet.Header) (*packet, error) {
		free, err := m.diskFree(path)
		if err != nil {
			return nil, err
		}
		budget := free - m.cfg.DiskReserve
		if budget <= 0 {
			return nil, sneakernet.ErrPacketFull
		}
		f, err := sneakernet.Create(path, m.volume.Seqno(), header, sneakernet.Options{
			Limit: budget,
			Wrap:  func(w io.Writer) io.Writer { return m.limiter.Writer(ctx, w) },
		})
		if err != nil {
			return nil, err
		}
		return &packet{Writer: f.Writer, close: f.Close, abort: f.Abort}, nil
	}
	for _, s := range ss.sorted() {
		if err = m.reply(ctx, s, open); err != nil {
			return err
		}
	}
	span.Infof("answered %d slaves on %s", len(ss), path)
	return nil
}

func (m *Master) consume(ctx context.Context, header *sneakernet.Header, read func(sneakernet.RecordFunc) error,
	ss sessions,
) error {
	if header.Src == "" {
		return apierrors.BadRequest("%s packet has no source", header.Packet)
	}
	countPacket(header, directionIn)
	s := ss.get(header.Src)
	switch header.Packet {
	case sneakernet.PacketPull:
		s.pull.IncludeSequence(header.Sequence)
		s.pulls = true
		s.layers = header.Layer
	case sneakernet.PacketFilesPull:
		s.filesPull.IncludeSequence(header.Sequence)
		s.filesPulls = true
	case sneakernet.PacketPush, sneakernet.PacketDiff:
		committed, merged, err := mergeDiff(ctx, m.volume, read, true)
		if err != nil {
			return err
		}
		s.pushed.IncludeSequence(committed)
		s.merged.IncludeSequence(merged)
	case sneakernet.PacketStatsDiff:
		if m.stats == nil {
			return nil
		}
		return read(func(rec *sneakernet.Record) error {
			switch rec.Type {
			case sneakernet.RecordStats:
				return m.stats.Merge(ctx, rec)
			case sneakernet.RecordCommit:
				for db, ts := range rec.Timestamps {
					if ts > s.stats[db] {
						s.stats[db] = ts
					}
				}
				s.statsPushed = true
			}
			return nil
		})
	}
	return nil
}

// reply writes ack, diff, files_diff and stats_ack packets, a medium out
// of space ends the reply early.
func (m *Master) reply(ctx context.Context, s *session, open openFunc) error {
	self, err := m.volume.Guid()
	if err != nil {
		return err
	}
	header := func(packet string) *sneakernet.Header {
		return &sneakernet.Header{Packet: packet, Src: self, Dst: s.src, Seqno: m.volume.Seqno()}
	}
	write := func(h *sneakernet.Header, fill func(p *packet) error) error {
		p, err := open(h)
		if err != nil {
			return err
		}
		if err = fill(p); err != nil {
			p.abort()
			return err
		}
		if err = p.close(); err != nil {
			return err
		}
		countPacket(h, directionOut)
		return nil
	}

	var steps []func() error
	if !s.pushed.Empty() || !s.merged.Empty() {
		steps = append(steps, func() error {
			return write(header(sneakernet.PacketAck), func(p *packet) error {
				return p.Write(&sneakernet.Record{
					Type:         sneakernet.RecordAck,
					PushSequence: s.pushed,
					PullSequence: s.merged,
				})
			})
		})
	}
	if s.pulls {
		steps = append(steps, func() error {
			deadline := time.Now().Add(time.Duration(m.cfg.PullTimeoutS) * time.Second)
			return write(header(sneakernet.PacketDiff), func(p *packet) error {
				_, err := writeDiff(ctx, m.volume, p.Writer, s.pull, s.layers, deadline)
				return err
			})
		})
	}
	if s.filesPulls && m.files != nil {
		steps = append(steps, func() error {
			if err := m.files.Scan(ctx); err != nil {
				return err
			}
			return write(header(sneakernet.PacketFilesDiff), func(p *packet) error {
				_, err := m.files.Diff(ctx, s.filesPull, p.Writer)
				return err
			})
		})
	}
	if s.statsPushed {
		steps = append(steps, func() error {
			return write(header(sneakernet.PacketStatsAck), func(p *packet) error {
				return p.Write(&sneakernet.Record{Type: sneakernet.RecordAck, Timestamps: s.stats})
			})
		})
	}

	for _, step := range steps {
		err := step()
		if err == sneakernet.ErrPacketFull {
			trace.SpanFromContextSafe(ctx).Warnf("no room left to answer %s", s.src)
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
