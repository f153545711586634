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

package router

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sys/unix"

	"github.com/sugarlabs/sugar-network/common/pubsub"
	"github.com/sugarlabs/sugar-network/util"
)

const (
	RunAccept     = "accept"
	RunSubscribe  = "subscribe"
	RunRendezvous = "rendezvous"

	maxFrameSize = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame is too large")

// IPC serves local clients under the run directory: commands over http on
// the accept socket, events on the subscribe socket, and a fifo that lets
// clients wait until both sockets are listening.
type IPC struct {
	root      string
	publisher *pubsub.Publisher
	server    *http.Server
	accept    net.Listener
	subscribe net.Listener

	closing       chan struct{}
	rendezvousEnd chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
}

func ListenIPC(root string, handler http.Handler, publisher *pubsub.Publisher) (*IPC, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &IPC{
		root:          root,
		publisher:     publisher,
		server:        &http.Server{Handler: handler},
		closing:       make(chan struct{}),
		rendezvousEnd: make(chan struct{}),
	}
	var err error
	if s.accept, err = listenUnix(filepath.Join(root, RunAccept)); err != nil {
		return nil, err
	}
	if s.subscribe, err = listenUnix(filepath.Join(root, RunSubscribe)); err != nil {
		s.accept.Close()
		return nil, err
	}
	fifo := filepath.Join(root, RunRendezvous)
	os.Remove(fifo)
	if err = util.Mkfifo(fifo); err != nil {
		s.accept.Close()
		s.subscribe.Close()
		return nil, errors.Info(err, "mkfifo", fifo)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.accept); err != nil && err != http.ErrServerClosed {
			log.Errorf("ipc accept loop exits: %s", err)
		}
	}()
	go s.serveSubscribe()
	go s.serveRendezvous(fifo)

	log.Info("ipc is listening at:", root)
	return s, nil
}

func listenUnix(path string) (net.Listener, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Info(err, "listen", path)
	}
	return l, nil
}

func (s *IPC) serveSubscribe() {
	defer s.wg.Done()
	for {
		conn, err := s.subscribe.Accept()
		if err != nil {
			select {
			case <-s.closing:
			default:
				log.Errorf("ipc subscribe loop exits: %s", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleSubscriber(conn)
	}
}

// handleSubscriber reads the condition frame and streams matching events.
func (s *IPC) handleSubscriber(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	cond := make(map[string]string)
	if err := ReadFrame(conn, &cond); err != nil {
		log.Warnf("ipc subscriber sent no condition: %s", err)
		return
	}
	sub := s.publisher.Subscribe(cond, 0)
	defer s.publisher.Unsubscribe(sub)

	// the peer never writes after the condition, EOF means it is gone
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(gone)
	}()

	for {
		select {
		case <-s.closing:
			return
		case <-gone:
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if err := WriteFrame(conn, event); err != nil {
				return
			}
		}
	}
}

// serveRendezvous opens the fifo for writing in a loop, each open blocks
// until a client opens it for reading.
func (s *IPC) serveRendezvous(path string) {
	defer close(s.rendezvousEnd)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			f.Close()
		}
		select {
		case <-s.closing:
			return
		default:
		}
		if err != nil {
			log.Errorf("rendezvous loop exits: %s", err)
			return
		}
	}
}

func (s *IPC) Close() {
	s.once.Do(func() {
		close(s.closing)
		// unblock the pending rendezvous open
		fifo := filepath.Join(s.root, RunRendezvous)
		if f, err := os.OpenFile(fifo, os.O_RDONLY|unix.O_NONBLOCK, 0); err == nil {
			<-s.rendezvousEnd
			f.Close()
		}
		s.server.Close()
		s.subscribe.Close()
		s.wg.Wait()
		os.Remove(fifo)
	})
}

// Rendezvous blocks until an IPC server is listening under root.
func Rendezvous(ctx context.Context, root string) error {
	fifo := filepath.Join(root, RunRendezvous)
	done := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(fifo, os.O_RDONLY, 0)
		if err != nil {
			done <- err
			return
		}
		io.Copy(io.Discard, f)
		done <- f.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// release the reader goroutine
		if f, err := os.OpenFile(fifo, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
			f.Close()
		}
		return ctx.Err()
	}
}

// WriteFrame writes v as json prefixed with its big endian uint32 length.
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

func ReadFrame(r io.Reader, v interface{}) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
