package websocket_test

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 mandated by RFC 6455
	"encoding/base64"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	ws "github.com/dirwatcher/dirwatcher/internal/server/websocket"
)

const clientKey = "dGhlIHNhbXBsZSBub25jZQ==" // sample key from RFC 6455

func newTestHandler(bc *ws.Broadcaster) *ws.Handler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
	return ws.NewHandler(bc, logger, time.Second)
}

// dialStream performs the upgrade over a raw TCP connection and returns the
// connection and a reader positioned after the 101 response.
func dialStream(t *testing.T, srv *httptest.Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET /api/v1/stream HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + clientKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), computeAcceptForTest(clientKey); got != want {
		t.Errorf("Sec-WebSocket-Accept: got %q, want %q", got, want)
	}
	return conn, reader
}

// readFrame reads one unmasked server frame.
func readFrame(t *testing.T, conn net.Conn, r *bufio.Reader) (byte, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if hdr[1]&0x80 != 0 {
		t.Fatal("server must not mask frames sent to clients")
	}
	n := uint64(hdr[1] & 0x7F)
	switch n {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		n = binary.BigEndian.Uint64(ext[:])
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return hdr[0], payload
}

// waitClients polls until the broadcaster has n clients.
func waitClients(t *testing.T, bc *ws.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", bc.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerRejectsNonWebSocket(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	newTestHandler(newTestBroadcaster(4)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))

	if rr.Code != http.StatusUpgradeRequired {
		t.Errorf("expected status %d, got %d", http.StatusUpgradeRequired, rr.Code)
	}
}

func TestHandlerRejectsMissingKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rr := httptest.NewRecorder()
	newTestHandler(newTestBroadcaster(4)).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

// TestHandlerStreamsEvents verifies that a published event arrives as a text
// frame after the handshake.
func TestHandlerStreamsEvents(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	srv := httptest.NewServer(newTestHandler(bc))
	defer srv.Close()

	conn, reader := dialStream(t, srv)
	waitClients(t, bc, 1)

	evt := matchEvent(42)
	bc.Publish(evt)

	op, payload := readFrame(t, conn, reader)
	if op != 0x81 {
		t.Errorf("expected FIN+text frame (0x81), got 0x%02x", op)
	}
	if !strings.Contains(string(payload), evt.ID.String()) || !strings.Contains(string(payload), `"line":42`) {
		t.Errorf("payload = %s", payload)
	}
}

// TestHandlerAnswersPing verifies that a masked client ping gets a pong with
// the unmasked payload.
func TestHandlerAnswersPing(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	srv := httptest.NewServer(newTestHandler(bc))
	defer srv.Close()

	conn, reader := dialStream(t, srv)
	waitClients(t, bc, 1)

	mask := [4]byte{1, 2, 3, 4}
	body := []byte("hi")
	frame := []byte{0x89, 0x80 | byte(len(body)), mask[0], mask[1], mask[2], mask[3]}
	for i, b := range body {
		frame = append(frame, b^mask[i%4])
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	op, payload := readFrame(t, conn, reader)
	if op != 0x8A {
		t.Errorf("expected FIN+pong frame (0x8A), got 0x%02x", op)
	}
	if string(payload) != "hi" {
		t.Errorf("pong payload = %q, want hi", payload)
	}
}

// TestHandlerClosesOnBroadcasterClose verifies that closing the broadcaster
// sends a close frame.
func TestHandlerClosesOnBroadcasterClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	srv := httptest.NewServer(newTestHandler(bc))
	defer srv.Close()

	conn, reader := dialStream(t, srv)
	waitClients(t, bc, 1)
	bc.Close()

	op, _ := readFrame(t, conn, reader)
	if op != 0x88 {
		t.Errorf("expected FIN+close frame (0x88), got 0x%02x", op)
	}
}

// TestHandlerUnregistersOnClientClose verifies that a client close frame
// ends the stream and releases the registration.
func TestHandlerUnregistersOnClientClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster(16)
	srv := httptest.NewServer(newTestHandler(bc))
	defer srv.Close()

	conn, _ := dialStream(t, srv)
	waitClients(t, bc, 1)

	if _, err := conn.Write([]byte{0x88, 0x80, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitClients(t, bc, 0)
}

// computeAcceptForTest replicates the server's Sec-WebSocket-Accept derivation.
func computeAcceptForTest(key string) string {
	const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	//nolint:gosec // SHA-1 mandated by RFC 6455
	h := sha1.New()
	h.Write([]byte(key + guid))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
