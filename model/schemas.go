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

package model

import "github.com/sugarlabs/sugar-network/resource"

const (
	User           = "user"
	Context        = "context"
	Implementation = "implementation"
	Artifact       = "artifact"
	Review         = "review"
	Feedback       = "feedback"
	Comment        = "comment"
	Report         = "report"

	ActivityMimeType = "application/vnd.olpc-sugar"
)

var (
	ContextTypes     = []string{"activity", "book", "talks", "project", "package", "group"}
	ArtifactTypes    = []string{"instance", "preview", "screenshot"}
	FeedbackTypes    = []string{"question", "idea", "problem"}
	Stabilities      = []string{"insecure", "buggy", "developer", "testing", "stable"}
	DefaultStability = "stable"
)

const (
	public   = resource.AccessPublic
	calc     = resource.AccessRead | resource.AccessCalc
	createRO = resource.AccessCreate | resource.AccessRead
	local    = resource.AccessPublic | resource.AccessLocal
)

// Schemas returns every resource the network serves.
func Schemas() []*resource.Schema {
	return []*resource.Schema{
		resource.NewSchema(User,
			&resource.Property{Name: "name", Kind: resource.KindString, Access: public, Indexed: true, FullText: true},
			&resource.Property{Name: "color", Kind: resource.KindString, Access: public},
			&resource.Property{Name: "machine_sn", Kind: resource.KindString, Access: createRO},
			&resource.Property{Name: "machine_uuid", Kind: resource.KindString, Access: createRO},
			&resource.Property{Name: "pubkey", Kind: resource.KindString, Access: resource.AccessCreate},
			&resource.Property{Name: "location", Kind: resource.KindString, Access: public, Indexed: true},
			&resource.Property{Name: "birthday", Kind: resource.KindInt, Access: public},
		),
		resource.NewSchema(Context,
			&resource.Property{Name: "type", Kind: resource.KindList, Access: createRO, Indexed: true, Typecast: ContextTypes},
			&resource.Property{Name: "implement", Kind: resource.KindList, Access: createRO, Indexed: true},
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public, Indexed: true, FullText: true},
			&resource.Property{Name: "summary", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "description", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "homepage", Kind: resource.KindString, Access: public},
			&resource.Property{Name: "mime_types", Kind: resource.KindList, Access: public, Indexed: true},
			&resource.Property{Name: "dependencies", Kind: resource.KindList, Access: public},
			&resource.Property{Name: "aliases", Kind: resource.KindMap, Access: public},
			&resource.Property{Name: "packages", Kind: resource.KindMap, Access: public},
			&resource.Property{Name: "icon", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite, MimeType: "image/png", Placeholder: "/static/images/missing.png"},
			&resource.Property{Name: "artifact_icon", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite, MimeType: "image/svg+xml", Placeholder: "/static/images/missing.svg"},
			&resource.Property{Name: "preview", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite, MimeType: "image/png", Placeholder: "/static/images/missing-preview.png"},
			&resource.Property{Name: "downloads", Kind: resource.KindInt, Access: calc, Indexed: true},
			&resource.Property{Name: "reviews", Kind: resource.KindList, Access: calc, Default: []interface{}{0, 0}},
			&resource.Property{Name: "rating", Kind: resource.KindInt, Access: calc, Indexed: true},
			&resource.Property{Name: "favorite", Kind: resource.KindBool, Access: local, Indexed: true},
			&resource.Property{Name: "clone", Kind: resource.KindInt, Access: local, Indexed: true},
			&resource.Property{Name: "position", Kind: resource.KindList, Access: local, Default: []interface{}{-1, -1}},
			&resource.Property{Name: "keep", Kind: resource.KindBool, Access: local, Indexed: true},
			&resource.Property{Name: "keep_impl", Kind: resource.KindInt, Access: local, Indexed: true},
		),
		resource.NewSchema(Implementation,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "license", Kind: resource.KindList, Access: createRO},
			&resource.Property{Name: "version", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "stability", Kind: resource.KindString, Access: public, Indexed: true, Typecast: Stabilities, Default: DefaultStability},
			&resource.Property{Name: "requires", Kind: resource.KindList, Access: createRO, Indexed: true},
			&resource.Property{Name: "notes", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "spec", Kind: resource.KindMap, Access: createRO},
			&resource.Property{Name: "data", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite | resource.AccessAuthor},
		),
		resource.NewSchema(Artifact,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "type", Kind: resource.KindList, Access: createRO, Indexed: true, Typecast: ArtifactTypes},
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public, Indexed: true, FullText: true},
			&resource.Property{Name: "description", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "preview", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite, MimeType: "image/png", Placeholder: "/static/images/missing-preview.png"},
			&resource.Property{Name: "data", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite | resource.AccessAuthor},
			&resource.Property{Name: "downloads", Kind: resource.KindInt, Access: calc, Indexed: true},
			&resource.Property{Name: "reviews", Kind: resource.KindList, Access: calc, Default: []interface{}{0, 0}},
			&resource.Property{Name: "rating", Kind: resource.KindInt, Access: calc, Indexed: true},
			&resource.Property{Name: "favorite", Kind: resource.KindBool, Access: local, Indexed: true},
			&resource.Property{Name: "clone", Kind: resource.KindInt, Access: local, Indexed: true},
			&resource.Property{Name: "keep", Kind: resource.KindBool, Access: local, Indexed: true},
		),
		resource.NewSchema(Review,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "artifact", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "content", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "rating", Kind: resource.KindInt, Access: createRO, Indexed: true},
		),
		resource.NewSchema(Feedback,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "type", Kind: resource.KindList, Access: public, Indexed: true, Typecast: FeedbackTypes},
			&resource.Property{Name: "title", Kind: resource.KindLocalized, Access: public, Indexed: true, FullText: true},
			&resource.Property{Name: "content", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "solution", Kind: resource.KindString, Access: public, Indexed: true},
		),
		resource.NewSchema(Comment,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "review", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "feedback", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "message", Kind: resource.KindLocalized, Access: public, FullText: true},
		),
		resource.NewSchema(Report,
			&resource.Property{Name: "context", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "implementation", Kind: resource.KindString, Access: createRO, Indexed: true},
			&resource.Property{Name: "description", Kind: resource.KindLocalized, Access: public, FullText: true},
			&resource.Property{Name: "environ", Kind: resource.KindMap, Access: createRO},
			&resource.Property{Name: "error", Kind: resource.KindString, Access: createRO},
			&resource.Property{Name: "data", Kind: resource.KindBlob, Access: resource.AccessRead | resource.AccessWrite | resource.AccessAuthor},
		),
	}
}

// Watched documents invalidate solver caches when they change.
func Watched() []string {
	return []string{Context, Implementation}
}
