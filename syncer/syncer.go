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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"

	"github.com/sugarlabs/sugar-network/common/sequence"
	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/sneakernet"
	"github.com/sugarlabs/sugar-network/util/limiter"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	CmdSync        = "sync"
	CmdOnlineSync  = "online_sync"
	CmdOfflineSync = "offline_sync"

	pushFile    = "push.sequence"
	pullFile    = "pull.sequence"
	filesFile   = "files.sequence"
	statsFile   = "stats.sequence"
	sessionFile = "offline.session"

	defaultDiskReserve  = 10 << 20
	defaultPullTimeoutS = 60

	// records between intermediate commits of a diff packet
	commitEvery = 64

	directionIn  = "in"
	directionOut = "out"
)

// ErrFullDump refuses offline exports without a restrictive layer list.
var ErrFullDump = errors.New("no sync layers configured, refuse to export a full dump")

type (
	Config struct {
		// SyncLayers limits exported records, offline export needs it set.
		SyncLayers    []string       `json:"sync_layers"`
		PullTimeoutS  int            `json:"pull_timeout_s"`
		SyncIntervalS int            `json:"sync_interval_s"`
		DiskReserve   int64          `json:"disk_reserve"`
		Limit         limiter.Config `json:"limit"`
	}

	// StatsExchange is the per-user statistics side of a sync session.
	StatsExchange interface {
		// Diff writes values newer than pushed, a timestamp per database,
		// and returns the last timestamps it wrote.
		Diff(ctx context.Context, w *sneakernet.Writer, pushed map[string]int64) (map[string]int64, error)
		Merge(ctx context.Context, rec *sneakernet.Record) error
	}

	// DiskFreeFunc reports bytes available on the filesystem of path.
	DiskFreeFunc func(path string) (int64, error)
)

func fixConfig(cfg *Config) {
	if cfg.DiskReserve <= 0 {
		cfg.DiskReserve = defaultDiskReserve
	}
	if cfg.PullTimeoutS <= 0 {
		cfg.PullTimeoutS = defaultPullTimeoutS
	}
}

// writeDiff streams records changed within in, a commit record follows
// every commitEvery records and closes the packet. A zero deadline never
// stops the diff, a full packet stops it at the last complete record.
func writeDiff(ctx context.Context, v *volume.Volume, w *sneakernet.Writer, in sequence.Sequence,
	layers []string, deadline time.Time,
) (sequence.Sequence, error) {
	var (
		covered sequence.Sequence
		count   int
	)
	out, err := v.Diff(ctx, in, volume.DiffOptions{Layers: layers}, func(rec *volume.DiffRecord) error {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return volume.ErrStopDiff
		}
		err := w.Write(&sneakernet.Record{
			Type:     sneakernet.RecordDiff,
			Document: rec.Document,
			Guid:     rec.Guid,
			Diff:     rec.Diff,
		})
		if err == sneakernet.ErrPacketFull {
			return volume.ErrStopDiff
		}
		if err != nil {
			return err
		}
		metrics.SyncRecordCounter.WithLabelValues(directionOut).Inc()
		covered.IncludeSequence(rec.Seqnos)
		if count++; count%commitEvery == 0 {
			return w.Commit(covered)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err = w.Commit(out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeDiff applies diff records of one packet. It returns what the
// sender committed and the local seqnos merged records took.
func mergeDiff(ctx context.Context, v *volume.Volume, read func(sneakernet.RecordFunc) error,
	increment bool,
) (committed, merged sequence.Sequence, err error) {
	span := trace.SpanFromContextSafe(ctx)
	err = read(func(rec *sneakernet.Record) error {
		switch rec.Type {
		case sneakernet.RecordCommit:
			committed.IncludeSequence(rec.Sequence)
		case sneakernet.RecordDiff:
			if !v.Has(rec.Document) {
				span.Warnf("skip diff of unknown document %s", rec.Document)
				return nil
			}
			seqno, err := v.Merge(ctx, &volume.DiffRecord{Document: rec.Document, Guid: rec.Guid, Diff: rec.Diff}, increment)
			if err != nil {
				return err
			}
			metrics.SyncRecordCounter.WithLabelValues(directionIn).Inc()
			if seqno > 0 {
				merged.IncludeSeq(seqno)
			}
		}
		return nil
	})
	return
}

func countPacket(header *sneakernet.Header, direction string) {
	metrics.SyncPacketCounter.WithLabelValues(header.Packet, direction).Inc()
}

func publishError(v *volume.Volume, err error) {
	v.Publish(&proto.Event{Event: proto.EventAlert, Severity: "error", Message: err.Error()})
	v.Publish(&proto.Event{Event: proto.EventSyncError, Message: err.Error()})
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}
