// Package dap implements the subset of the Debug Adapter Protocol client
// needed to evaluate expressions and expand variables on a halted target.
package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxContentLength is the maximum allowed content length for DAP messages (10MB).
const MaxContentLength = 10 * 1024 * 1024

// Transport moves framed DAP messages to and from a debug adapter.
type Transport interface {
	// Send writes one message.
	Send(msg *Message) error

	// Receive blocks until one message has been read.
	Receive() (*Message, error)

	// Close releases the underlying connection or process.
	Close() error
}

// Message is one Content-Length framed DAP payload.
type Message struct {
	ContentLength int
	ContentType   string
	Content       json.RawMessage
}

// NewMessage frames content.
func NewMessage(content []byte) *Message {
	return &Message{ContentLength: len(content), Content: content}
}

// framer implements Send/Receive over a reader and writer pair. Writes are
// serialized; reads are expected from a single receive loop.
type framer struct {
	w      io.Writer
	reader *bufio.Reader
	mu     sync.Mutex
}

// Send writes a message.
func (f *framer) Send(msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeMessage(f.w, msg)
}

// Receive reads a message.
func (f *framer) Receive() (*Message, error) {
	return readMessage(f.reader)
}

// StdioTransport talks to an adapter subprocess over its stdin and stdout.
type StdioTransport struct {
	framer
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// NewStdioTransport starts cmd and frames messages over its pipes.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start adapter %s: %w", cmd.Path, err)
	}

	return &StdioTransport{
		framer: framer{w: stdin, reader: bufio.NewReader(stdout)},
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

// Close closes the pipes and kills the adapter process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// SocketTransport talks to an adapter listening on TCP, which is how
// gdb-server style debug adapters for embedded targets are usually exposed.
type SocketTransport struct {
	framer
	conn net.Conn
}

// DialSocket connects to a debug adapter at address.
func DialSocket(address string, timeout time.Duration) (*SocketTransport, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewSocketTransport(conn), nil
}

// NewSocketTransport frames messages over an existing connection.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		framer: framer{w: conn, reader: bufio.NewReader(conn)},
		conn:   conn,
	}
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	framer
	rwc io.ReadWriteCloser
}

// NewRawTransport creates a transport from any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		framer: framer{w: rwc, reader: bufio.NewReader(rwc)},
		rwc:    rwc,
	}
}

// Close closes the underlying stream.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}

// writeMessage writes headers then content.
func writeMessage(w io.Writer, msg *Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(msg.Content))
	if msg.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", msg.ContentType)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	if _, err := w.Write(msg.Content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	return nil
}

// readMessage reads one framed message.
func readMessage(r *bufio.Reader) (*Message, error) {
	var contentLength int
	var contentType string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header: %s", line)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			length, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if length < 0 || length > MaxContentLength {
				return nil, fmt.Errorf("content-length %d exceeds maximum allowed %d", length, MaxContentLength)
			}
			contentLength = length
		case "content-type":
			contentType = value
		}
	}

	if contentLength == 0 {
		return nil, ErrMissingContentLength
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	return &Message{
		ContentLength: contentLength,
		ContentType:   contentType,
		Content:       content,
	}, nil
}
