package qkkm

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const (
	exchangeTimeout = 10 * time.Second
	readChunkSize   = 32 * 1024
)

// encodingWindows1251 selects the legacy firmware character set.
const encodingWindows1251 = "windows-1251"

// transport opens a fresh TCP connection per command. The device firmware
// closes the socket after each reply, so there is nothing to pool.
type transport struct {
	addr     string
	encoding string
	timeout  time.Duration

	mu sync.Mutex
}

func newTransport(host string, port int, encoding string) *transport {
	return &transport{
		addr:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		encoding: encoding,
		timeout:  exchangeTimeout,
	}
}

// roundTrip sends one command and decodes the reply. One exchange at a time:
// the device cannot interleave commands.
func (t *transport) roundTrip(req *request) (*response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("qkkm: encode request: %w", err)
	}
	data := payload
	if t.encoding == encodingWindows1251 {
		data, err = encodeCP1251(payload)
		if err != nil {
			return nil, err
		}
	}

	conn, err := net.DialTimeout("tcp", t.addr, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("qkkm: dial %s: %w", t.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("qkkm: write command: %w", err)
	}

	raw, err := readReply(conn)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := decodeXML(raw, &resp); err != nil {
		return nil, fmt.Errorf("qkkm: decode response: %w", err)
	}
	return &resp, nil
}

// readReply accumulates until the device closes the socket or the envelope
// is visibly complete.
func readReply(conn net.Conn) ([]byte, error) {
	accumulated := make([]byte, 0, readChunkSize)
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			accumulated = append(accumulated, buf[:n]...)
			tail := accumulated
			if len(tail) > 64 {
				tail = tail[len(tail)-64:]
			}
			if strings.Contains(string(tail), "</Response>") || strings.HasSuffix(strings.TrimSpace(string(tail)), "/>") {
				return accumulated, nil
			}
		}
		if err != nil {
			if err == io.EOF && len(accumulated) > 0 {
				return accumulated, nil
			}
			return nil, fmt.Errorf("qkkm: read response: %w", err)
		}
	}
}

// decodeXML honors the charset named in the XML prolog, falling back to the
// legacy single-byte set the firmware speaks.
func decodeXML(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}

func encodeCP1251(data []byte) ([]byte, error) {
	encoder := charmap.Windows1251.NewEncoder()
	res, _, err := transform.Bytes(encoder, data)
	if err != nil {
		return nil, fmt.Errorf("qkkm: encode windows-1251: %w", err)
	}
	return res, nil
}
