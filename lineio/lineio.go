/*
Package lineio provides the CRLF line reader and reply writer shared by
the receiver and sender state machines, including the per-phase size
caps and the DATA dot-stuffing reader.
*/
package lineio

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/relaycore/vsmtp/reply"
)

const (
	// MaxCommandLine is the maximum length of a command line, excluding its CRLF.
	MaxCommandLine = 998
	// MaxTextLine is the maximum length of a DATA text line per RFC 5321 4.5.3.1.6.
	MaxTextLine = 1000
)

var (
	ErrLineTooLong = errors.New("lineio: line exceeds the protocol maximum")
	ErrNotASCII    = errors.New("lineio: command line is not 7-bit clean")
)

// Reader wraps a net.Conn with a size-limited textproto.Reader, the way the
// receiver's Conn wraps conn through an io.LimitedReader. The caller resets
// the limit per phase with SetLimit: the receiver sets it to
// MaxCommandLine+2 before each command, and to the message size cap before
// reading DATA.
type Reader struct {
	conn    net.Conn
	limited *io.LimitedReader
	proto   *textproto.Reader
	timeout time.Duration
}

// NewReader builds a Reader over conn with the given per-read deadline.
func NewReader(conn net.Conn, timeout time.Duration) *Reader {
	lr := &io.LimitedReader{R: conn, N: MaxCommandLine + 2}
	return &Reader{
		conn:    conn,
		limited: lr,
		proto:   textproto.NewReader(bufio.NewReader(lr)),
		timeout: timeout,
	}
}

// SetLimit resets the number of octets the next reads may consume, e.g.
// before switching from command-line reading to the DATA phase.
func (r *Reader) SetLimit(n int64) {
	r.limited.N = n
}

// ReadLine reads one CRLF-terminated command line, enforcing the deadline
// and the currently configured size limit.
func (r *Reader) ReadLine() (string, error) {
	if r.timeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	// ReadString reports an error when the budget runs out before the
	// newline, where textproto's ReadLine would hand back the cut line.
	raw, err := r.proto.R.ReadString('\n')
	if err != nil {
		if r.limited.N <= 0 {
			return "", ErrLineTooLong
		}
		return "", err
	}
	n := len(raw) - 1
	if n > 0 && raw[n-1] == '\r' {
		n--
	}
	return raw[:n], nil
}

// ReadDotLines reads the DATA body until the "." terminator line, unescaping
// leading dot-stuffing per RFC 5321 4.5.2, and returns the accumulated lines
// (without the terminator). ErrLineTooLong is returned if the remaining
// budget (set via SetLimit) is exhausted first.
func (r *Reader) ReadDotLines() ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadLine()
		if err != nil {
			return lines, err
		}
		if line == "." {
			return lines, nil
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

// TakeBuffered returns a copy of any bytes the underlying bufio.Reader has
// already read from the wire but not yet consumed, without consuming them. A non-empty result after STARTTLS
// indicates the client pipelined commands across the TLS boundary, which
// RFC 3207 5.2 forbids; the caller should treat this as a protocol error.
func (r *Reader) TakeBuffered() ([]byte, bool) {
	n := r.proto.R.Buffered()
	if n == 0 {
		return nil, false
	}
	buf, _ := r.proto.R.Peek(n)
	out := make([]byte, n)
	copy(out, buf)
	return out, true
}

// Rebind replaces the underlying connection, used after a STARTTLS upgrade
// swaps the plaintext net.Conn for a *tls.Conn. Any buffered plaintext bytes
// are discarded; the caller checks for them with TakeBuffered first.
func (r *Reader) Rebind(conn net.Conn, limit int64) {
	r.conn = conn
	r.limited = &io.LimitedReader{R: conn, N: limit}
	r.proto = textproto.NewReader(bufio.NewReader(r.limited))
}

// Writer serialises Reply values onto a net.Conn.
type Writer struct {
	conn    net.Conn
	timeout time.Duration
}

// NewWriter builds a Writer over conn with the given per-write deadline.
func NewWriter(conn net.Conn, timeout time.Duration) *Writer {
	return &Writer{conn: conn, timeout: timeout}
}

// WriteReply sends r, multi-line if it has more than one Lines entry.
func (w *Writer) WriteReply(r reply.Reply) error {
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := io.WriteString(w.conn, r.Render())
	return err
}

// Rebind replaces the underlying connection after a STARTTLS upgrade.
func (w *Writer) Rebind(conn net.Conn) {
	w.conn = conn
}

// IsAll7Bit reports whether b contains only 7-bit US-ASCII octets, the way
// command lines are required to be before any further parsing is attempted.
func IsAll7Bit(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}
