// Package daptest provides an in-memory debug adapter for tests.
package daptest

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/rtosview/internal/dap"
)

// Adapter answers evaluate, variables, readMemory, threads and stackTrace
// requests from tables and records every request it receives. Other
// requests succeed with an empty body.
type Adapter struct {
	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	seq       int
	evaluate  map[string]dap.EvaluateResponseBody
	variables map[int][]dap.Variable
	memory    map[string][]byte
	frames    map[int]int
	requests  []dap.Request
	hook      func(dap.Request)
	done      chan struct{}
}

// New starts an adapter and returns it together with a transport connected
// to it.
func New() (*Adapter, dap.Transport) {
	server, client := net.Pipe()
	a := &Adapter{
		conn:      server,
		evaluate:  make(map[string]dap.EvaluateResponseBody),
		variables: make(map[int][]dap.Variable),
		memory:    make(map[string][]byte),
		frames:    map[int]int{1: DefaultFrameID},
		done:      make(chan struct{}),
	}
	go a.serve()
	return a, dap.NewRawTransport(client)
}

// SetEvaluate registers the response for an expression.
func (a *Adapter) SetEvaluate(expr, result string, ref int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluate[expr] = dap.EvaluateResponseBody{Result: result, VariablesReference: ref}
}

// DefaultFrameID is the top frame of thread 1 unless SetFrame says
// otherwise.
const DefaultFrameID = 1000

// SetFrame registers the top frame of a thread. Threads with a frame are
// reported by the threads request, in ascending order.
func (a *Adapter) SetFrame(threadID, frameID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[threadID] = frameID
}

// SetVariables registers the children of a reference.
func (a *Adapter) SetVariables(ref int, vars ...dap.Variable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variables[ref] = vars
}

// SetMemory registers the bytes returned for a memory reference.
func (a *Adapter) SetMemory(ref string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory[ref] = data
}

// OnRequest installs a hook run before each response is written.
func (a *Adapter) OnRequest(fn func(dap.Request)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = fn
}

// Requests returns a copy of every request received so far.
func (a *Adapter) Requests() []dap.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]dap.Request(nil), a.requests...)
}

// Count returns how many requests with the given command were received.
func (a *Adapter) Count(command string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.requests {
		if r.Command == command {
			n++
		}
	}
	return n
}

// Emit sends an event to the client.
func (a *Adapter) Emit(event string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return a.write(dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.nextSeq(), Type: dap.TypeEvent},
		Event:           event,
		Body:            raw,
	})
}

// Close shuts the adapter down.
func (a *Adapter) Close() error {
	err := a.conn.Close()
	<-a.done
	return err
}

func (a *Adapter) nextSeq() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

func (a *Adapter) write(v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := fmt.Fprintf(a.conn, "Content-Length: %d\r\n\r\n", len(content)); err != nil {
		return err
	}
	_, err = a.conn.Write(content)
	return err
}

func (a *Adapter) serve() {
	defer close(a.done)
	r := bufio.NewReader(a.conn)
	for {
		content, err := readFrame(r)
		if err != nil {
			return
		}
		var req dap.Request
		if err := json.Unmarshal(content, &req); err != nil {
			continue
		}

		a.mu.Lock()
		a.requests = append(a.requests, req)
		hook := a.hook
		a.mu.Unlock()

		if hook != nil {
			hook(req)
		}

		body, msg := a.answer(req)
		resp := dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: a.nextSeq(), Type: dap.TypeResponse},
			RequestSeq:      req.Seq,
			Success:         msg == "",
			Command:         req.Command,
			Message:         msg,
		}
		if body != nil {
			resp.Body, _ = json.Marshal(body)
		}
		if err := a.write(resp); err != nil {
			return
		}
	}
}

// answer builds a response body, or a failure message.
func (a *Adapter) answer(req dap.Request) (any, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Command {
	case "evaluate":
		var args dap.EvaluateArguments
		_ = json.Unmarshal(req.Arguments, &args)
		body, ok := a.evaluate[args.Expression]
		if !ok {
			return nil, "unable to evaluate " + args.Expression
		}
		return body, ""
	case "variables":
		var args dap.VariablesArguments
		_ = json.Unmarshal(req.Arguments, &args)
		vars, ok := a.variables[args.VariablesReference]
		if !ok {
			return map[string]any{}, ""
		}
		return dap.VariablesResponseBody{Variables: vars}, ""
	case "readMemory":
		var args dap.ReadMemoryArguments
		_ = json.Unmarshal(req.Arguments, &args)
		data, ok := a.memory[args.MemoryReference]
		if !ok {
			return nil, "memory not readable"
		}
		if args.Offset+args.Count <= len(data) {
			data = data[args.Offset : args.Offset+args.Count]
		}
		return dap.ReadMemoryResponseBody{
			Address: args.MemoryReference,
			Data:    base64.StdEncoding.EncodeToString(data),
		}, ""
	case "threads":
		ids := make([]int, 0, len(a.frames))
		for id := range a.frames {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		threads := make([]dap.Thread, len(ids))
		for i, id := range ids {
			threads[i] = dap.Thread{ID: id, Name: "thread " + strconv.Itoa(id)}
		}
		return dap.ThreadsResponseBody{Threads: threads}, ""
	case "stackTrace":
		var args dap.StackTraceArguments
		_ = json.Unmarshal(req.Arguments, &args)
		frame, ok := a.frames[args.ThreadID]
		if !ok {
			return nil, fmt.Sprintf("unknown thread %d", args.ThreadID)
		}
		return dap.StackTraceResponseBody{
			StackFrames: []dap.StackFrame{{ID: frame, Name: "main"}},
			TotalFrames: 1,
		}, ""
	case "initialize":
		return dap.Capabilities{SupportsConfigurationDoneRequest: true, SupportsReadMemoryRequest: true}, ""
	}
	return nil, ""
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			length, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
		}
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
