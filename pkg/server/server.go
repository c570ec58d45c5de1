// Package server implements tazerd's connection accept loop: the TCP
// listener and per-connection state machine driving spec.md §6's wire
// protocol (OPEN_FILE, REQUEST_BLK, CLOSE_FILE) against a CacheHierarchy
// and FileCacheRegister, lazily constructing one ServeFile per path via
// Trackable (C11) so every client connection for a given file shares the
// same prefetch window and cache reservations.
//
// Grounded on the teacher's pkg/controlplane/api server shape: a thin
// accept loop handing each connection to its own goroutine, with
// Shutdown closing the listener and waiting out in-flight connections
// within a bounded timeout.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pnnl-tazer/tazer-go/internal/logger"
	"github.com/pnnl-tazer/tazer-go/pkg/bufpool"
	"github.com/pnnl-tazer/tazer-go/pkg/hierarchy"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/servefile"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
	"github.com/pnnl-tazer/tazer-go/pkg/trackable"
	"github.com/pnnl-tazer/tazer-go/pkg/wire"
)

// Config configures a Server.
type Config struct {
	ListenAddress         string
	BlockSize             uint32
	InitialPrefetchWindow int
}

// Server is tazerd's wire-protocol listener.
type Server struct {
	cfg  Config
	reg  *register.Register
	hier *hierarchy.Hierarchy
	pool *threadpool.Pool

	files *trackable.Registry[string, *servefile.ServeFile]

	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New constructs a Server bound to no socket yet; call ListenAndServe to
// bind and start accepting.
func New(cfg Config, reg *register.Register, hier *hierarchy.Hierarchy, pool *threadpool.Pool) *Server {
	return &Server{
		cfg:   cfg,
		reg:   reg,
		hier:  hier,
		pool:  pool,
		files: trackable.New[string, *servefile.ServeFile](),
	}
}

// ListenAndServe binds cfg.ListenAddress and accepts connections until
// Shutdown closes the listener.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: listen on %q: %w", s.cfg.ListenAddress, err)
	}
	s.ln = ln

	logger.Info("server: listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and waits for in-flight connections to
// finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	connID := uuid.New().String()
	logger.Debug("server: connection opened", "remote", addr, "connection_id", connID)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			logger.Debug("server: connection closed", "remote", addr, "connection_id", connID, "error", err)
			return
		}

		reply, err := s.dispatch(frame)
		if err != nil {
			reply = wire.Frame{Kind: wire.KindErrorReply, Payload: []byte(err.Error())}
		}

		if err := wire.WriteFrame(conn, reply); err != nil {
			logger.Warn("server: write reply failed", "remote", addr, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(frame wire.Frame) (wire.Frame, error) {
	switch frame.Kind {
	case wire.KindOpenFile:
		return s.handleOpenFile(frame)
	case wire.KindRequestBlock:
		return s.handleRequestBlock(frame)
	case wire.KindCloseFile:
		return s.handleCloseFile(frame)
	default:
		return wire.Frame{}, fmt.Errorf("server: unexpected message kind %d", frame.Kind)
	}
}

func (s *Server) handleOpenFile(frame wire.Frame) (wire.Frame, error) {
	info, err := os.Stat(frame.Path)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("server: stat %q: %w", frame.Path, err)
	}

	meta := servefile.Metadata{Size: uint64(info.Size()), BlockSize: s.cfg.BlockSize}

	var constructErr error
	sf := s.files.AddTrackable(frame.Path, func() *servefile.ServeFile {
		created, err := servefile.New(frame.Path, meta, s.reg, s.hier, s.pool, servefile.Config{
			InitialCompressTasks: s.cfg.InitialPrefetchWindow,
		})
		if err != nil {
			constructErr = err
			return nil
		}
		return created
	})
	if sf == nil {
		return wire.Frame{}, fmt.Errorf("server: open %q: %w", frame.Path, constructErr)
	}

	return wire.Frame{
		Kind:    wire.KindOpenFileReply,
		Path:    frame.Path,
		Payload: wire.EncodeOpenFileReply(wire.OpenFileReply{Size: uint64(info.Size())}),
	}, nil
}

func (s *Server) handleRequestBlock(frame wire.Frame) (wire.Frame, error) {
	sf, ok := s.files.Get(frame.Path)
	if !ok {
		return wire.Frame{}, fmt.Errorf("server: %q is not open", frame.Path)
	}

	msg, err := wire.DecodeRequestBlockMsg(frame.Payload)
	if err != nil {
		return wire.Frame{}, err
	}

	data, err := sf.ServeBlock(uint32(msg.Block))
	if err != nil {
		return wire.Frame{}, err
	}

	// Copy into a pooled scratch buffer before handing off to the wire: the
	// slice sf.ServeBlock returns may be backed by a live cache slot that
	// can be reused by a concurrent eviction once this call returns, so the
	// bytes actually placed on the wire must be decoupled from the tier's
	// own buffer lifetime.
	scratch := bufpool.Get(len(data))
	defer bufpool.Put(scratch)
	copy(scratch, data)

	compression := wire.CompressionNone
	payload := scratch
	if msg.WantCompressed {
		compressed, err := wire.Compress(scratch, 0)
		if err == nil && len(compressed) < len(scratch) {
			payload = compressed
			compression = 0
		}
	}

	return wire.Frame{
		Kind: wire.KindSendBlock,
		Path: frame.Path,
		Payload: wire.EncodeSendBlockMsg(wire.SendBlockMsg{
			Block:       msg.Block,
			Compression: compression,
			DataSize:    uint64(len(payload)),
		}, payload),
	}, nil
}

func (s *Server) handleCloseFile(frame wire.Frame) (wire.Frame, error) {
	if sf, ok := s.files.RemoveTrackable(frame.Path); ok {
		sf.Close()
	}
	return wire.Frame{Kind: wire.KindCloseFile, Path: frame.Path}, nil
}
