package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pnnl-tazer/tazer-go/pkg/cache/memory"
	"github.com/pnnl-tazer/tazer-go/pkg/hierarchy"
	"github.com/pnnl-tazer/tazer-go/pkg/register"
	"github.com/pnnl-tazer/tazer-go/pkg/source"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
	"github.com/pnnl-tazer/tazer-go/pkg/wire"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	reg, err := register.New(nil)
	if err != nil {
		t.Fatalf("register.New: %v", err)
	}
	pool := threadpool.New(2)
	origin := source.NewDiskOrigin("origin", reg, pool, 64)
	hier := hierarchy.New(memory.New("mem", 4096, 64, 2, nil), origin)

	srv := New(Config{ListenAddress: "127.0.0.1:0", BlockSize: 64, InitialPrefetchWindow: 0}, reg, hier, pool)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ln = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.handleConn(conn)
			}()
		}
	}()

	return srv, ln.Addr().String()
}

func TestServer_OpenRequestCloseRoundTrip(t *testing.T) {
	srv, addr := newTestServer(t)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	path := filepath.Join(t.TempDir(), "served.bin")
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.Frame{Kind: wire.KindOpenFile, Path: path}); err != nil {
		t.Fatalf("write OPEN_FILE: %v", err)
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read OPEN_FILE_REPLY: %v", err)
	}
	if reply.Kind != wire.KindOpenFileReply {
		t.Fatalf("expected OPEN_FILE_REPLY, got kind %d: %s", reply.Kind, reply.Payload)
	}
	openReply, err := wire.DecodeOpenFileReply(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeOpenFileReply: %v", err)
	}
	if openReply.Size != 64 {
		t.Fatalf("expected size 64, got %d", openReply.Size)
	}

	if err := wire.WriteFrame(conn, wire.Frame{
		Kind:    wire.KindRequestBlock,
		Path:    path,
		Payload: wire.EncodeRequestBlockMsg(wire.RequestBlockMsg{Block: 0}),
	}); err != nil {
		t.Fatalf("write REQUEST_BLK: %v", err)
	}

	reply, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read SEND_BLK: %v", err)
	}
	if reply.Kind != wire.KindSendBlock {
		t.Fatalf("expected SEND_BLK, got kind %d: %s", reply.Kind, reply.Payload)
	}
	msg, data, err := wire.DecodeSendBlockMsg(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeSendBlockMsg: %v", err)
	}
	if msg.Compression != wire.CompressionNone {
		t.Fatalf("expected uncompressed reply, got compression %d", msg.Compression)
	}
	for i := range payload {
		if data[i] != payload[i] {
			t.Fatalf("mismatch at byte %d: got %x want %x", i, data[i], payload[i])
		}
	}

	if err := wire.WriteFrame(conn, wire.Frame{Kind: wire.KindCloseFile, Path: path}); err != nil {
		t.Fatalf("write CLOSE_FILE: %v", err)
	}
	reply, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read CLOSE_FILE reply: %v", err)
	}
	if reply.Kind != wire.KindCloseFile {
		t.Fatalf("expected CLOSE_FILE ack, got kind %d: %s", reply.Kind, reply.Payload)
	}
}

func TestServer_RequestBlockBeforeOpenFails(t *testing.T) {
	srv, addr := newTestServer(t)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.Frame{
		Kind:    wire.KindRequestBlock,
		Path:    "/never/opened.bin",
		Payload: wire.EncodeRequestBlockMsg(wire.RequestBlockMsg{Block: 0}),
	}); err != nil {
		t.Fatalf("write REQUEST_BLK: %v", err)
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Kind != wire.KindErrorReply {
		t.Fatalf("expected ERROR reply, got kind %d", reply.Kind)
	}
}
