package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pnnl-tazer/tazer-go/pkg/cache"
	"github.com/pnnl-tazer/tazer-go/pkg/threadpool"
	"github.com/pnnl-tazer/tazer-go/pkg/wire"
)

// startFakeServer serves exactly one REQUEST_BLK_MSG with an uncompressed
// reply, then closes.
func startFakeServer(t *testing.T, data []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadFrame(conn); err != nil {
			return
		}

		wire.WriteFrame(conn, wire.Frame{
			Kind: wire.KindSendBlock,
			Payload: wire.EncodeSendBlockMsg(wire.SendBlockMsg{
				Block:       0,
				Compression: wire.CompressionNone,
			}, data),
		})
	}()

	return ln.Addr().String()
}

func TestRequestBlock_FetchesFromServer(t *testing.T) {
	payload := []byte("hello from the server")
	addr := startFakeServer(t, payload)

	transferPool := threadpool.New(2)
	decompressPool := threadpool.New(2)
	c := New("network-test", transferPool, decompressPool, Config{BlockSize: uint32(len(payload))})

	pool := NewConnectionPool([]string{addr})
	c.RegisterFile(1, "/remote/file", pool)

	reads := cache.NewRequestMap()
	req := c.RequestBlock(cache.BlockAddress{FileIndex: 1, BlockIndex: 0}, uint32(len(payload)), reads, 0)

	data, err := req.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	transferPool.Terminate(ctx, true)
	decompressPool.Terminate(ctx, true)
}

func TestRequestBlock_NoServersFails(t *testing.T) {
	transferPool := threadpool.New(1)
	decompressPool := threadpool.New(1)
	c := New("network-test", transferPool, decompressPool, Config{BlockSize: 64})

	c.RegisterFile(1, "/remote/file", NewConnectionPool(nil))

	reads := cache.NewRequestMap()
	req := c.RequestBlock(cache.BlockAddress{FileIndex: 1, BlockIndex: 0}, 64, reads, 0)

	_, err := req.Wait()
	if err == nil {
		t.Fatal("expected an error when the connection pool has no servers")
	}
}
