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

package stats

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/sugarlabs/sugar-network/common/rrd"
	apierrors "github.com/sugarlabs/sugar-network/errors"
	"github.com/sugarlabs/sugar-network/metrics"
	"github.com/sugarlabs/sugar-network/model"
	"github.com/sugarlabs/sugar-network/proto"
	"github.com/sugarlabs/sugar-network/resource"
	"github.com/sugarlabs/sugar-network/util"
	"github.com/sugarlabs/sugar-network/volume"
)

const (
	CmdStats = "stats"

	defaultStepS           = 60 * 5
	defaultCommitIntervalS = 60 * 5

	nodeDir = "node"
)

var defaultRras = []string{
	"RRA:AVERAGE:0.5:1:288",
	"RRA:AVERAGE:0.5:12:336",
	"RRA:AVERAGE:0.5:288:365",
}

// node counters, every database of stats/node carries all of them
const (
	fieldTotal      = "total"
	fieldCreated    = "created"
	fieldUpdated    = "updated"
	fieldDeleted    = "deleted"
	fieldViewed     = "viewed"
	fieldDownloaded = "downloaded"
	fieldReviewed   = "reviewed"
)

var nodeFields = []string{
	fieldTotal, fieldCreated, fieldUpdated, fieldDeleted,
	fieldViewed, fieldDownloaded, fieldReviewed,
}

type (
	Config struct {
		Root            string   `json:"root"`
		StepS           int64    `json:"step_s"`
		Rras            []string `json:"rras"`
		CommitIntervalS int      `json:"commit_interval_s"`
	}

	scoreKey struct {
		document string
		guid     string
	}

	score struct {
		downloads   int64
		reviews     int64
		ratingTotal int64
	}

	// NodeStats sniffs volume events and routed requests, a commit
	// flushes counters to stats/node and scores onto resources.
	NodeStats struct {
		cfg    Config
		volume *volume.Volume
		rrd    *rrd.Rrd
		pool   taskpool.TaskPool

		lock     sync.Mutex
		counters map[string]map[string]float64
		totals   map[string]int64
		scores   map[scoreKey]*score

		stop    context.CancelFunc
		stopped chan struct{}
	}
)

func fixConfig(cfg *Config) {
	if cfg.StepS <= 0 {
		cfg.StepS = defaultStepS
	}
	if len(cfg.Rras) == 0 {
		cfg.Rras = defaultRras
	}
	if cfg.CommitIntervalS <= 0 {
		cfg.CommitIntervalS = defaultCommitIntervalS
	}
}

// OpenNodeStats counts existing records and starts sniffing events of v.
func OpenNodeStats(ctx context.Context, cfg *Config, v *volume.Volume) (*NodeStats, error) {
	fixConfig(cfg)
	r, err := rrd.Open(filepath.Join(cfg.Root, nodeDir), cfg.StepS, cfg.Rras)
	if err != nil {
		return nil, err
	}
	s := &NodeStats{
		cfg:      *cfg,
		volume:   v,
		rrd:      r,
		pool:     taskpool.New(1, 1),
		counters: make(map[string]map[string]float64),
		totals:   make(map[string]int64),
		scores:   make(map[scoreKey]*score),
	}
	for _, document := range v.Documents() {
		dir, err := v.Directory(document)
		if err != nil {
			return nil, err
		}
		_, total, err := dir.Find(ctx, &resource.Query{Limit: 1})
		if err != nil {
			return nil, err
		}
		s.totals[document] = int64(total)
	}
	v.Publisher().AddHook(s.onEvent)
	return s, nil
}

func (s *NodeStats) counter(document string) map[string]float64 {
	c, ok := s.counters[document]
	if !ok {
		c = make(map[string]float64, len(nodeFields))
		s.counters[document] = c
	}
	return c
}

func (s *NodeStats) score(document, guid string) *score {
	key := scoreKey{document: document, guid: guid}
	sc, ok := s.scores[key]
	if !ok {
		sc = &score{}
		s.scores[key] = sc
	}
	return sc
}

func (s *NodeStats) onEvent(event *proto.Event) {
	if event.Document == "" || event.Mountpoint != "" {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	switch event.Event {
	case proto.EventCreate:
		s.counter(event.Document)[fieldCreated]++
		s.totals[event.Document]++
	case proto.EventUpdate:
		s.counter(event.Document)[fieldUpdated]++
	case proto.EventDelete:
		s.counter(event.Document)[fieldDeleted]++
		s.totals[event.Document]--
	}
}

// OnRequest is a router hook counting views, downloads and reviews.
func (s *NodeStats) OnRequest(ctx context.Context, req *proto.Request, result interface{}, err error) {
	if err != nil || req.Document == "" || req.Cmd != "" {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	switch {
	case req.Method == proto.MethodGet && req.Guid != "" && req.Prop == "":
		s.counter(req.Document)[fieldViewed]++
	case req.Method == proto.MethodGet && req.Prop == "data":
		s.counter(req.Document)[fieldDownloaded]++
		switch req.Document {
		case model.Artifact:
			s.score(model.Artifact, req.Guid).downloads++
		case model.Implementation:
			if owner := s.owner(ctx, req.Guid); owner != "" {
				s.score(model.Context, owner).downloads++
			}
		}
	case req.Method == proto.MethodPost && req.Document == model.Review && req.Guid == "":
		props := req.ContentMap()
		rating := toInt(props["rating"])
		if artifact, _ := props["artifact"].(string); artifact != "" {
			s.counter(model.Artifact)[fieldReviewed]++
			sc := s.score(model.Artifact, artifact)
			sc.reviews++
			sc.ratingTotal += rating
		} else if target, _ := props["context"].(string); target != "" {
			s.counter(model.Context)[fieldReviewed]++
			sc := s.score(model.Context, target)
			sc.reviews++
			sc.ratingTotal += rating
		}
	}
}

// owner returns the context of an implementation.
func (s *NodeStats) owner(ctx context.Context, guid string) string {
	dir, err := s.volume.Directory(model.Implementation)
	if err != nil {
		return ""
	}
	value, err := dir.GetProp(ctx, guid, "context")
	if err != nil {
		return ""
	}
	owner, _ := value.(string)
	return owner
}

func toInt(value interface{}) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Commit writes a row per document and adds pending scores to
// downloads, reviews and rating of the scored resources.
func (s *NodeStats) Commit(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.StatsCommitDuration.Observe(time.Since(start).Seconds()) }()
	span := trace.SpanFromContextSafe(ctx)

	s.lock.Lock()
	rows := make(map[string]map[string]float64, len(s.totals))
	for _, document := range s.volume.Documents() {
		row := make(map[string]float64, len(nodeFields))
		for _, field := range nodeFields {
			row[field] = s.counters[document][field]
		}
		row[fieldTotal] = float64(s.totals[document])
		rows[document] = row
	}
	scores := s.scores
	s.counters = make(map[string]map[string]float64)
	s.scores = make(map[scoreKey]*score)
	s.lock.Unlock()

	ts := util.Now()
	for document, row := range rows {
		db, err := s.rrd.Get(ctx, document)
		if err != nil {
			return err
		}
		if err = db.Put(row, ts); err != nil {
			return err
		}
	}

	keys := make([]scoreKey, 0, len(scores))
	for key := range scores {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].guid < keys[j].guid })
	for _, key := range keys {
		if err := s.applyScore(ctx, key, scores[key]); err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				span.Warnf("skip scores of missing %s %s", key.document, key.guid)
				continue
			}
			return err
		}
	}
	span.Debugf("stats committed at %d, %d scores", ts, len(scores))
	return nil
}

func (s *NodeStats) applyScore(ctx context.Context, key scoreKey, sc *score) error {
	dir, err := s.volume.Directory(key.document)
	if err != nil {
		return err
	}
	rec, err := dir.Get(ctx, key.guid)
	if err != nil {
		return err
	}
	props := make(map[string]interface{})
	if sc.downloads > 0 {
		props["downloads"] = toInt(rec.Props["downloads"]) + sc.downloads
	}
	if sc.reviews > 0 {
		var count, total int64
		if reviews, ok := rec.Props["reviews"].([]interface{}); ok && len(reviews) == 2 {
			count, total = toInt(reviews[0]), toInt(reviews[1])
		}
		count += sc.reviews
		total += sc.ratingTotal
		props["reviews"] = []interface{}{count, total}
		props["rating"] = int64(math.Round(float64(total) / float64(count)))
	}
	if len(props) == 0 {
		return nil
	}
	return dir.Update(ctx, key.guid, props)
}

// Start commits every CommitIntervalS seconds, a commit still running
// skips the tick.
func (s *NodeStats) Start() {
	var ctx context.Context
	ctx, s.stop = context.WithCancel(context.Background())
	s.stopped = make(chan struct{})
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(time.Duration(s.cfg.CommitIntervalS) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pool.TryRun(func() {
					if err := s.Commit(ctx); err != nil {
						log.Warnf("commit node stats failed: %s", err)
					}
				})
			}
		}
	}()
}

func (s *NodeStats) Close() {
	if s.stop != nil {
		s.stop()
		<-s.stopped
	}
	s.pool.Close()
}

// Register serves GET /?cmd=stats&source=<document>&start=&end=, rows of
// every source are returned in time order.
func (s *NodeStats) Register(p *volume.Processor) {
	p.Register(&volume.Command{Method: proto.MethodGet, Level: volume.LevelVolume, Cmd: CmdStats, Handler: s.get})
}

func (s *NodeStats) get(ctx context.Context, req *proto.Request, resp *proto.Response) (interface{}, error) {
	sources := req.ArgList("source")
	if len(sources) == 0 {
		sources = s.volume.Documents()
	}
	start, end := req.ArgInt("start", 0), req.ArgInt("end", 0)
	ret := make(map[string][]rrd.Row, len(sources))
	for _, source := range sources {
		if !s.volume.Has(source) {
			return nil, apierrors.NotFound("unknown stats source %q", source)
		}
		db, err := s.rrd.Get(ctx, source)
		if err != nil {
			return nil, err
		}
		rows := db.Fetch(int64(start), int64(end))
		if rows == nil {
			rows = []rrd.Row{}
		}
		ret[source] = rows
	}
	return ret, nil
}
