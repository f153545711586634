/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# Sugar Network: a content sharing network for Sugar learners

## What is it?

1, a catalog of activities, books, questions and reviews shared between schools

2, nodes that keep working while the school server has no internet link

3, desktop clients mixing their private home volume with the network one

## Data Model

* Resources (context, implementation, review, user, ...) live in a volume,
  every record is a directory of property files plus BLOBs.

* Every write stamps the touched properties with the next volume seqno, so a
  sequence of seqno ranges describes any set of changes.

* Layers (public, deleted, ...) tag records, sync and find filter by them.

## Nodes

### Master

keeps the authoritative volume, answers online syncs and media dropped by
slaves, collects node and user statistics

### Slave

a school server, pushes local changes and pulls the master diff over http,
or over removable media carrying sneakernet packets when offline

### Client

mounts home (private), "/" (the master) and any discovered medium into one
namespace served over a local socket

## Storage

a search index per resource on rocksdb, files and blobs on disk, RRD files
for statistics

## Building Blocks

* Rocksdb
* Prometheus
* fsnotify

*/

package sugarnetwork
