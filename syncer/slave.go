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
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/google/uuid"

	"github.com/sugarlabs/sugar-network/client"
	"github.com/sugarlabs/sugar-network/common/sequence"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/stats"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/util/limiter"
	"github.com/sugarlabs/sugar-network/volume"
)

type (
	// offlineSession survives between media of one export.
	offlineSession struct {
		Session string            `json:"session"`
		Push    sequence.Sequence `json:"push"`
	}

	// progress collects what replies of the master confirmed.
	progress struct {
		pushed      sequence.Sequence
		pulled      sequence.Sequence
		filesPulled sequence.Sequence
		stats       map[string]int64
		remoteSeqno uint64
	}

	// Slave keeps a node volume in sync with its master, online over
	// http or offline through removable media.
	Slave struct {
		cfg      Config
		volume   *volume.Volume
		files    *Files
		stats    StatsExchange
		limiter  limiter.Limiter
		diskFree DiskFreeFunc

		push      *sequence.Persistent
		pull      *sequence.Persistent
		filesPull *sequence.Persistent

		// last seqno the master reported
		remoteSeqno uint64

		lock        sync.Mutex
		statsPushed map[string]int64

		stop    context.CancelFunc
		stopped chan struct{}
	}
)

// NewSlave opens sync sequences in the volume root, files and stats are
// optional.
func NewSlave(cfg *Config, v *volume.Volume, files *Files, exchange StatsExchange) (*Slave, error) {
	fixConfig(cfg)
	s := &Slave{
		cfg:         *cfg,
		volume:      v,
		files:       files,
		stats:       exchange,
		limiter:     limiter.New(cfg.Limit),
		diskFree:    util.DiskFree,
		statsPushed: make(map[string]int64),
	}
	var err error
	root := v.Root()
	if s.push, err = sequence.Open(filepath.Join(root, pushFile), sequence.Full()); err != nil {
		return nil, err
	}
	if s.pull, err = sequence.Open(filepath.Join(root, pullFile), sequence.Full()); err != nil {
		return nil, err
	}
	if s.filesPull, err = sequence.Open(filepath.Join(root, filesFile), sequence.Full()); err != nil {
		return nil, err
	}
	if _, err = readJSON(filepath.Join(root, statsFile), &s.statsPushed); err != nil {
		return nil, err
	}
	return s, nil
}

// PendingPush is what the master has not acknowledged yet.
func (s *Slave) PendingPush() sequence.Sequence {
	return s.push.Get().Clip(s.volume.Seqno())
}

// PendingPull is what the master is known to have and this node lacks.
func (s *Slave) PendingPull() sequence.Sequence {
	return s.pull.Get().Clip(atomic.LoadUint64(&s.remoteSeqno))
}

// OnlineSync runs one round trip with the master behind c. Sequences
// move only when the whole reply is read.
func (s *Slave) OnlineSync(ctx context.Context, c *client.Client) (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	span, ctx := trace.StartSpanFromContext(ctx, "online-sync")
	defer func() { s.finish(ctx, err) }()

	stat, err := c.Stat(ctx)
	if err != nil {
		return err
	}
	if err = s.volume.SetMaster(stat.Guid); err != nil {
		return err
	}
	self, err := s.volume.Guid()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.writeRequest(ctx, pw, self, stat.Guid))
	}()
	body, err := c.Sync(ctx, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	defer body.Close()

	pg := &progress{stats: make(map[string]int64)}
	tr := &util.TimeReader{R: body}
	r := sneakernet.NewReader(tr)
	for {
		header, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err = s.consume(ctx, header, r.Each, pg); err != nil {
			return err
		}
	}
	if n := r.Discarded(); n > 0 {
		return errors.New("sync reply is truncated")
	}
	if err = s.apply(pg); err != nil {
		return err
	}
	span.Infof("synced with %s, read %d bytes in %s, pending push %s, pending pull %s",
		c.URL(), tr.Size(), tr.GetCost(), s.PendingPush(), s.PendingPull())
	return nil
}

func (s *Slave) writeRequest(ctx context.Context, w io.Writer, self, master string) error {
	header := func(packet string, seq sequence.Sequence) *sneakernet.Header {
		return &sneakernet.Header{
			Packet:   packet,
			Src:      self,
			Dst:      master,
			Sequence: seq,
			Layer:    s.cfg.SyncLayers,
			Seqno:    s.volume.Seqno(),
		}
	}
	flush := func(pw *sneakernet.Writer) error {
		countPacket(pw.Header(), directionOut)
		return pw.Flush()
	}

	pw, err := sneakernet.NewWriter(w, header(sneakernet.PacketPull, s.pull.Get()), 0)
	if err != nil {
		return err
	}
	if err = flush(pw); err != nil {
		return err
	}
	if s.files != nil {
		if pw, err = sneakernet.NewWriter(w, header(sneakernet.PacketFilesPull, s.filesPull.Get()), 0); err != nil {
			return err
		}
		if err = flush(pw); err != nil {
			return err
		}
	}

	if pw, err = sneakernet.NewWriter(w, header(sneakernet.PacketPush, nil), 0); err != nil {
		return err
	}
	if _, err = writeDiff(ctx, s.volume, pw, s.push.Get(), s.cfg.SyncLayers, time.Time{}); err != nil {
		return err
	}
	if err = flush(pw); err != nil {
		return err
	}

	if s.stats != nil {
		if pw, err = sneakernet.NewWriter(w, header(sneakernet.PacketStatsDiff, nil), 0); err != nil {
			return err
		}
		if err = s.writeStats(ctx, pw); err != nil {
			return err
		}
		return flush(pw)
	}
	return nil
}

func (s *Slave) writeStats(ctx context.Context, pw *sneakernet.Writer) error {
	pushed := make(map[string]int64, len(s.statsPushed))
	for db, ts := range s.statsPushed {
		pushed[db] = ts
	}
	written, err := s.stats.Diff(ctx, pw, pushed)
	if err != nil {
		return err
	}
	return pw.Write(&sneakernet.Record{Type: sneakernet.RecordCommit, Timestamps: written})
}

// consume reads one packet addressed to this node.
func (s *Slave) consume(ctx context.Context, header *sneakernet.Header, read func(sneakernet.RecordFunc) error,
	pg *progress,
) error {
	countPacket(header, directionIn)
	if header.Seqno > pg.remoteSeqno {
		pg.remoteSeqno = header.Seqno
	}
	switch header.Packet {
	case sneakernet.PacketAck:
		return read(func(rec *sneakernet.Record) error {
			if rec.Type == sneakernet.RecordAck {
				pg.pushed.IncludeSequence(rec.PushSequence)
				pg.pulled.IncludeSequence(rec.PullSequence)
			}
			return nil
		})
	case sneakernet.PacketDiff:
		committed, _, err := mergeDiff(ctx, s.volume, read, false)
		if err != nil {
			return err
		}
		pg.pulled.IncludeSequence(committed)
	case sneakernet.PacketFilesDiff:
		if s.files == nil {
			return nil
		}
		return read(func(rec *sneakernet.Record) error {
			switch rec.Type {
			case sneakernet.RecordFile:
				return s.files.Merge(ctx, rec)
			case sneakernet.RecordCommit:
				pg.filesPulled.IncludeSequence(rec.Sequence)
			}
			return nil
		})
	case sneakernet.PacketStatsAck:
		return read(func(rec *sneakernet.Record) error {
			stats.Ack(pg.stats, rec.Timestamps)
			return nil
		})
	}
	return nil
}

func (s *Slave) apply(pg *progress) error {
	s.push.ExcludeSequence(pg.pushed)
	s.pull.ExcludeSequence(pg.pulled)
	s.filesPull.ExcludeSequence(pg.filesPulled)
	for _, p := range []*sequence.Persistent{s.push, s.pull, s.filesPull} {
		if err := p.Commit(); err != nil {
			return err
		}
	}
	if stats.Ack(s.statsPushed, pg.stats) {
		if err := writeJSON(filepath.Join(s.volume.Root(), statsFile), s.statsPushed); err != nil {
			return err
		}
	}
	if pg.remoteSeqno > atomic.LoadUint64(&s.remoteSeqno) {
		atomic.StoreUint64(&s.remoteSeqno, pg.remoteSeqno)
	}
	return nil
}

// OfflineSync imports replies found in path and exports pending changes
// there until the medium runs out of space. An unfinished export is
// resumed by the next call.
func (s *Slave) OfflineSync(ctx context.Context, path string) (err error) {
	if len(s.cfg.SyncLayers) == 0 {
		return ErrFullDump
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	span, ctx := trace.StartSpanFromContext(ctx, "offline-sync")
	defer func() { s.finish(ctx, err) }()

	if err = os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	self, err := s.volume.Guid()
	if err != nil {
		return err
	}
	var sess offlineSession
	found, err := readJSON(s.sessionPath(), &sess)
	if err != nil {
		return err
	}
	if !found {
		sess = offlineSession{Session: uuid.NewString(), Push: s.push.Get()}
	}

	if err = s.importMedia(ctx, path, self, sess.Session); err != nil {
		return err
	}
	complete, err := s.exportMedia(ctx, path, self, &sess)
	if err != nil {
		return err
	}
	if complete {
		if err = os.Remove(s.sessionPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		span.Infof("offline session %s is complete", sess.Session)
		return nil
	}
	span.Infof("offline session %s continues on next media, left %s", sess.Session, sess.Push)
	return writeJSON(s.sessionPath(), &sess)
}

func (s *Slave) sessionPath() string {
	return filepath.Join(s.volume.Root(), sessionFile)
}

func (s *Slave) importMedia(ctx context.Context, path, self, session string) error {
	span := trace.SpanFromContextSafe(ctx)
	packets, err := sneakernet.Walk(path, self)
	if err != nil {
		return err
	}
	master, err := s.volume.Master()
	if err != nil {
		return err
	}

	pg := &progress{stats: make(map[string]int64)}
	var consumed []*sneakernet.Packet
	for _, p := range packets {
		if p.Own {
			if p.Header.Session != session {
				span.Debugf("reclaim %s of finished session", p.Path)
				if err = p.Remove(); err != nil {
					return err
				}
			}
			continue
		}
		if p.Header.Dst != self {
			continue
		}
		if master == "" {
			if err = s.volume.SetMaster(p.Header.Src); err != nil {
				return err
			}
			master = p.Header.Src
		}
		if p.Header.Src != master {
			span.Warnf("skip %s from foreign master %s", p.Path, p.Header.Src)
			continue
		}
		if err = s.consume(ctx, p.Header, p.Read, pg); err != nil {
			return err
		}
		consumed = append(consumed, p)
	}
	if err = s.apply(pg); err != nil {
		return err
	}
	for _, p := range consumed {
		if err = p.Remove(); err != nil {
			return err
		}
	}
	return nil
}

// exportMedia reports whether the whole push of the session fit.
func (s *Slave) exportMedia(ctx context.Context, path, self string, sess *offlineSession) (bool, error) {
	master, err := s.volume.Master()
	if err != nil {
		return false, err
	}
	create := func(packet string, seq sequence.Sequence) (*sneakernet.File, error) {
		free, err := s.diskFree(path)
		if err != nil {
			return nil, err
		}
		budget := free - s.cfg.DiskReserve
		if budget <= 0 {
			return nil, sneakernet.ErrPacketFull
		}
		header := &sneakernet.Header{
			Packet:   packet,
			Src:      self,
			Dst:      master,
			Session:  sess.Session,
			Sequence: seq,
			Layer:    s.cfg.SyncLayers,
			Seqno:    s.volume.Seqno(),
		}
		return sneakernet.Create(path, s.volume.Seqno(), header, sneakernet.Options{
			Limit: budget,
			Wrap:  func(w io.Writer) io.Writer { return s.limiter.Writer(ctx, w) },
		})
	}
	finish := func(f *sneakernet.File) error {
		if err := f.Close(); err != nil {
			return err
		}
		countPacket(f.Header(), directionOut)
		return nil
	}

	if pending := sess.Push.Clip(s.volume.Seqno()); !pending.Empty() {
		f, err := create(sneakernet.PacketPush, nil)
		if err == sneakernet.ErrPacketFull {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		out, err := writeDiff(ctx, s.volume, f.Writer, sess.Push, s.cfg.SyncLayers, time.Time{})
		if err != nil {
			f.Abort()
			return false, err
		}
		if err = finish(f); err != nil {
			return false, err
		}
		sess.Push.ExcludeSequence(out)
	}
	complete := sess.Push.Clip(s.volume.Seqno()).Empty()

	tail := []struct {
		packet string
		seq    sequence.Sequence
		skip   bool
		write  func(f *sneakernet.File) error
	}{
		{packet: sneakernet.PacketPull, seq: s.pull.Get()},
		{packet: sneakernet.PacketFilesPull, seq: s.filesPull.Get(), skip: s.files == nil},
		{packet: sneakernet.PacketStatsDiff, skip: s.stats == nil, write: func(f *sneakernet.File) error {
			return s.writeStats(ctx, f.Writer)
		}},
	}
	for _, t := range tail {
		if t.skip {
			continue
		}
		f, err := create(t.packet, t.seq)
		if err == sneakernet.ErrPacketFull {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if t.write != nil {
			if err = t.write(f); err != nil {
				f.Abort()
				return false, err
			}
		}
		if err = finish(f); err != nil {
			return false, err
		}
	}
	return complete, nil
}

func (s *Slave) finish(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("sync failed: %s", err)
		publishError(s.volume, err)
		return
	}
	s.volume.Publish(&proto.Event{Event: proto.EventSyncDone})
}

// Start syncs with the master behind c every SyncIntervalS seconds, zero
// interval keeps syncing manual.
func (s *Slave) Start(c *client.Client) {
	if s.cfg.SyncIntervalS <= 0 {
		return
	}
	var ctx context.Context
	ctx, s.stop = context.WithCancel(context.Background())
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(time.Duration(s.cfg.SyncIntervalS) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.OnlineSync(ctx, c); err != nil {
					log.Warnf("periodic sync with %s failed: %s", c.URL(), err)
				}
			}
		}
	}()
}

func (s *Slave) Close() {
	if s.stop != nil {
		s.stop()
		<-s.stopped
	}
}

// Register adds manual sync commands, c is the master client for
// online syncs.
func (s *Slave) Register(p *volume.Processor, c *client.Client) {
	p.Register(
		&volume.Command{Method: proto.MethodPost, Level: volume.LevelVolume, Cmd: CmdOnlineSync, Handler: func(
			ctx context.Context, req *proto.Request, resp *proto.Response,
		) (interface{}, error) {
			if c == nil {
				return nil, apierrors.BadRequest("no master to sync with")
			}
			return nil, s.OnlineSync(ctx, c)
		}},
		&volume.Command{Method: proto.MethodPost, Level: volume.LevelVolume, Cmd: CmdOfflineSync, Handler: func(
			ctx context.Context, req *proto.Request, resp *proto.Response,
		) (interface{}, error) {
			path := req.Arg("path")
			if path == "" {
				return nil, apierrors.BadRequest("path argument is missing")
			}
			return nil, s.OfflineSync(ctx, path)
		}},
	)
}
