package dap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu        sync.Mutex
	sendQueue []*Message
	recvChan  chan *Message
	closed    bool
	sendErr   error
	onSend    func(*Message)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		recvChan: make(chan *Message, 10),
	}
}

func (t *mockTransport) Send(msg *Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	if t.sendErr != nil {
		t.mu.Unlock()
		return t.sendErr
	}
	t.sendQueue = append(t.sendQueue, msg)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (t *mockTransport) Receive() (*Message, error) {
	msg, ok := <-t.recvChan
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.recvChan)
	}
	return nil
}

func (t *mockTransport) queue(v any) {
	content, _ := json.Marshal(v)
	t.recvChan <- NewMessage(content)
}

func (t *mockTransport) sent() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Message{}, t.sendQueue...)
}

// respondWith makes the transport answer every request with body.
func (t *mockTransport) respondWith(success bool, message string, body any) {
	t.onSend = func(msg *Message) {
		var req Request
		_ = json.Unmarshal(msg.Content, &req)

		raw, _ := json.Marshal(body)
		t.queue(Response{
			ProtocolMessage: ProtocolMessage{Seq: 1, Type: TypeResponse},
			RequestSeq:      req.Seq,
			Success:         success,
			Command:         req.Command,
			Message:         message,
			Body:            raw,
		})
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientEvaluate(t *testing.T) {
	mt := newMockTransport()
	mt.respondWith(true, "", EvaluateResponseBody{Result: "0x2000", VariablesReference: 7})

	client := NewClient(mt)
	defer client.Close()

	body, err := client.Evaluate(testContext(t), EvaluateArguments{
		Expression: "&pxCurrentTCB",
		FrameID:    3,
		Context:    ContextHover,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if body.Result != "0x2000" || body.VariablesReference != 7 {
		t.Errorf("unexpected body: %+v", body)
	}

	msgs := mt.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(msgs))
	}

	var req Request
	if err := json.Unmarshal(msgs[0].Content, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Command != "evaluate" || req.Type != TypeRequest {
		t.Errorf("unexpected request: %+v", req)
	}

	var args EvaluateArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args.Context != "hover" || args.FrameID != 3 {
		t.Errorf("unexpected arguments: %+v", args)
	}
}

func TestClientVariables(t *testing.T) {
	mt := newMockTransport()
	mt.respondWith(true, "", VariablesResponseBody{Variables: []Variable{
		{Name: "a", Value: "1", VariablesReference: 5, EvaluateName: "x.a"},
	}})

	client := NewClient(mt)
	defer client.Close()

	vars, err := client.Variables(testContext(t), VariablesArguments{VariablesReference: 7})
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	if len(vars) != 1 || vars[0].EvaluateName != "x.a" {
		t.Errorf("unexpected variables: %+v", vars)
	}
}

func TestClientVariablesMissingBody(t *testing.T) {
	mt := newMockTransport()
	mt.respondWith(true, "", nil)

	client := NewClient(mt)
	defer client.Close()

	vars, err := client.Variables(testContext(t), VariablesArguments{VariablesReference: 7})
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	if vars != nil {
		t.Errorf("expected nil variables, got %+v", vars)
	}
}

func TestClientRequestFailure(t *testing.T) {
	mt := newMockTransport()
	mt.respondWith(false, "no symbol", nil)

	client := NewClient(mt)
	defer client.Close()

	_, err := client.Evaluate(testContext(t), EvaluateArguments{Expression: "missing"})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if respErr.Command != "evaluate" || respErr.Message != "no symbol" {
		t.Errorf("unexpected error fields: %+v", respErr)
	}
	if respErr.Error() != "evaluate failed: no symbol" {
		t.Errorf("unexpected message: %s", respErr.Error())
	}
}

func TestClientSendFailure(t *testing.T) {
	mt := newMockTransport()
	mt.sendErr = io.ErrShortWrite

	client := NewClient(mt)
	defer client.Close()

	err := client.ConfigurationDone(testContext(t))
	if !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("expected wrapped send error, got %v", err)
	}
}

func TestClientContextCancellation(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Threads(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClientCloseFailsPending(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Evaluate(context.Background(), EvaluateArguments{Expression: "x"})
		errCh <- err
	}()

	// Wait for the request to be sent before closing.
	deadline := time.Now().Add(time.Second)
	for len(mt.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	client.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClientClosed) {
			t.Errorf("expected ErrClientClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not released")
	}

	if _, err := client.Threads(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed after close, got %v", err)
	}
}

func TestClientEventHandlers(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	stopped := make(chan StoppedEventBody, 1)
	continued := make(chan ContinuedEventBody, 1)
	exited := make(chan ExitedEventBody, 1)
	terminated := make(chan struct{}, 1)

	client.OnStopped(func(b StoppedEventBody) { stopped <- b })
	client.OnContinued(func(b ContinuedEventBody) { continued <- b })
	client.OnExited(func(b ExitedEventBody) { exited <- b })
	client.OnTerminated(func(TerminatedEventBody) { terminated <- struct{}{} })

	emit := func(name string, body any) {
		raw, _ := json.Marshal(body)
		mt.queue(Event{
			ProtocolMessage: ProtocolMessage{Seq: 1, Type: TypeEvent},
			Event:           name,
			Body:            raw,
		})
	}

	emit(EventStopped, StoppedEventBody{Reason: "breakpoint", ThreadID: 4})
	emit(EventContinued, ContinuedEventBody{ThreadID: 4})
	emit(EventExited, ExitedEventBody{ExitCode: 2})
	mt.queue(Event{ProtocolMessage: ProtocolMessage{Seq: 2, Type: TypeEvent}, Event: EventTerminated})

	timeout := time.After(time.Second)
	select {
	case b := <-stopped:
		if b.ThreadID != 4 || b.Reason != "breakpoint" {
			t.Errorf("unexpected stopped body: %+v", b)
		}
	case <-timeout:
		t.Fatal("stopped not delivered")
	}
	select {
	case <-continued:
	case <-timeout:
		t.Fatal("continued not delivered")
	}
	select {
	case b := <-exited:
		if b.ExitCode != 2 {
			t.Errorf("unexpected exit code %d", b.ExitCode)
		}
	case <-timeout:
		t.Fatal("exited not delivered")
	}
	select {
	case <-terminated:
	case <-timeout:
		t.Fatal("terminated without body not delivered")
	}
}

func TestClientSequenceNumbers(t *testing.T) {
	mt := newMockTransport()
	mt.respondWith(true, "", nil)

	client := NewClient(mt)
	defer client.Close()

	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		if err := client.ConfigurationDone(ctx); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	seen := make(map[int]bool)
	for _, msg := range mt.sent() {
		var req Request
		_ = json.Unmarshal(msg.Content, &req)
		if seen[req.Seq] {
			t.Errorf("duplicate sequence number %d", req.Seq)
		}
		seen[req.Seq] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct sequence numbers, got %d", len(seen))
	}
}

func TestClientDoneOnTransportFailure(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	mt.Close()

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after transport failure")
	}
	if !errors.Is(client.Error(), io.EOF) {
		t.Errorf("expected io.EOF, got %v", client.Error())
	}
	if _, err := client.Threads(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}
