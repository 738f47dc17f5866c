package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize bounds the payload the server accepts from clients. Clients
// only send control frames, which RFC 6455 limits to 125 bytes.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Frame opcodes used by the stream.
const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// Handler upgrades GET requests to WebSocket and streams every event the
// Broadcaster publishes as a text frame. Client frames are read only to
// answer pings and detect disconnects.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	// writeTimeout bounds each frame write.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// conn serialises frame writes from the stream loop and the ping responder.
type conn struct {
	net.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (c *conn) writeFrame(opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return writeFrame(c.Conn, opcode, payload)
}

// ServeHTTP handles the upgrade and drives the connection until the client
// disconnects or the broadcaster closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	raw, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		return
	}
	defer raw.Close()

	// The server's read and write timeouts were applied to the connection
	// before the upgrade and must not cut the stream short.
	_ = raw.SetDeadline(time.Time{})

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("websocket: handshake write failed", slog.Any("error", err))
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("websocket: handshake flush failed", slog.Any("error", err))
		return
	}

	c := &conn{Conn: raw, timeout: h.writeTimeout}
	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", raw.RemoteAddr().String()),
	)
	defer h.logger.Info("websocket: client disconnected",
		slog.String("client_id", clientID),
		slog.Int64("dropped", client.Dropped.Load()),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := readLoop(bufrw.Reader, c); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			h.logger.Debug("websocket: read loop ended", slog.String("client_id", clientID), slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster closed: say goodbye with status 1001 (going away).
				_ = c.writeFrame(opClose, []byte{0x03, 0xE9})
				return
			}
			if err := c.writeFrame(opText, msg); err != nil {
				h.logger.Warn("websocket: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeFrame writes payload as one unfragmented, unmasked frame.
func writeFrame(w io.Writer, opcode byte, payload []byte) error {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n < 65536:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop consumes client frames until a close frame or a read error. Pings
// are answered with a pong carrying the same payload; everything else is
// discarded.
func readLoop(r *bufio.Reader, c *conn) error {
	var hdr [2]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		opcode := hdr[0] & 0x0F
		masked := hdr[1]&0x80 != 0
		length := uint64(hdr[1] & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = uint64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return err
			}
			length = binary.BigEndian.Uint64(ext[:])
		}
		if length > maxFrameSize {
			return fmt.Errorf("frame of %d bytes exceeds limit", length)
		}

		var mask [4]byte
		if masked {
			if _, err := io.ReadFull(r, mask[:]); err != nil {
				return err
			}
		}

		switch opcode {
		case opClose:
			return nil
		case opPing:
			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				return err
			}
			if masked {
				for i := range payload {
					payload[i] ^= mask[i%4]
				}
			}
			if err := c.writeFrame(opPong, payload); err != nil {
				return err
			}
		default:
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return err
			}
		}
	}
}
