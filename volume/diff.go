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

package volume

import (
	"context"
	"errors"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/sugarlabs/sugar-network/common/sequence"
	"github.com/sugarlabs/sugar-network/resource"
)

// ErrStopDiff is returned by a diff sink that cannot take more records.
var ErrStopDiff = errors.New("stop diff")

type (
	// DiffRecord is a record diff addressed by document and guid.
	DiffRecord struct {
		Document string              `json:"document"`
		Guid     string              `json:"guid"`
		Diff     resource.RecordDiff `json:"diff"`

		// Seqnos are local seqnos the diff covers, empty on merge.
		Seqnos sequence.Sequence `json:"-"`
	}

	DiffOptions struct {
		// Documents limits the diff, all documents when empty.
		Documents []string
		// Layers skips records out of every listed layer.
		Layers []string
	}

	DiffSink func(rec *DiffRecord) error
)

// Diff feeds sink with records changed within in and returns the seqnos
// it covered. A complete pass covers in up to the seqno the diff started
// at, including seqnos taken by changes that are never synced. When sink
// returns ErrStopDiff the diff ends without an error and only seqnos of
// emitted records are covered.
func (v *Volume) Diff(ctx context.Context, in sequence.Sequence, opts DiffOptions, sink DiffSink) (sequence.Sequence, error) {
	span := trace.SpanFromContextSafe(ctx)
	last := v.Seqno()
	var out sequence.Sequence
	documents := opts.Documents
	if len(documents) == 0 {
		documents = v.names
	}

	var count int
	for _, document := range documents {
		dir, err := v.Directory(document)
		if err != nil {
			return nil, err
		}
		err = dir.Diff(ctx, in, func(guid string, diff resource.RecordDiff, seqnos sequence.Sequence) error {
			if len(opts.Layers) > 0 {
				ok, err := v.inLayers(ctx, dir, guid, opts.Layers)
				if err != nil || !ok {
					return err
				}
			}
			if err := sink(&DiffRecord{Document: document, Guid: guid, Diff: diff, Seqnos: seqnos}); err != nil {
				return err
			}
			out.IncludeSequence(seqnos)
			count++
			return nil
		})
		if err == ErrStopDiff {
			span.Infof("diff of %s stopped after %d records, covered %s", in, count, out)
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}

	out.IncludeSequence(in.Clip(last))
	span.Debugf("diff of %s emitted %d records, covered %s", in, count, out)
	return out, nil
}

func (v *Volume) inLayers(ctx context.Context, dir *resource.Directory, guid string, layers []string) (bool, error) {
	rec, err := dir.Get(ctx, guid)
	if err != nil {
		return false, err
	}
	for _, layer := range rec.Layers() {
		for _, wanted := range layers {
			if layer == wanted {
				return true, nil
			}
		}
	}
	return false, nil
}

// Merge applies one record diff. With increment the merged changes take
// a local seqno which is returned, otherwise they will never be diffed
// back to peers.
func (v *Volume) Merge(ctx context.Context, rec *DiffRecord, increment bool) (uint64, error) {
	dir, err := v.Directory(rec.Document)
	if err != nil {
		return 0, err
	}
	return dir.Merge(ctx, rec.Guid, rec.Diff, increment)
}
