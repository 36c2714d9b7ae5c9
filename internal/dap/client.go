package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/rtosview/internal/logging"
)

// Client is a DAP client that communicates with a debug adapter.
type Client struct {
	transport Transport
	logger    *logging.Logger
	seq       int64
	pending   map[int]*pendingRequest
	pendingMu sync.Mutex
	handlers  eventHandlers
	handlerMu sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.RWMutex
}

// pendingRequest tracks a request awaiting its response.
type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *Response
	err       error
}

func (p *pendingRequest) finish(resp *Response, err error) {
	p.closeOnce.Do(func() {
		p.response = resp
		p.err = err
		close(p.done)
	})
}

// eventHandlers stores event handler functions.
type eventHandlers struct {
	onInitialized func()
	onStopped     func(StoppedEventBody)
	onContinued   func(ContinuedEventBody)
	onExited      func(ExitedEventBody)
	onTerminated  func(TerminatedEventBody)
	onOutput      func(OutputEventBody)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for protocol traces.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.OrNull(l).WithComponent("dap")
	}
}

// NewClient creates a client and starts its receive loop.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		logger:    logging.NullLogger,
		pending:   make(map[int]*pendingRequest),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receiveLoop()
	return c
}

// Close stops the client, fails pending requests, and closes the transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.failPending(ErrClientClosed)
	})
	return c.transport.Close()
}

// Done is closed once the client has been closed or the transport
// failed; Error then reports the failure.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Error returns the error that stopped the receive loop, if any.
func (c *Client) Error() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.pendingMu.Unlock()

	for _, req := range pending {
		req.finish(nil, err)
	}
}

// receiveLoop reads messages until the transport fails or the client closes.
func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			if c.closed() {
				return
			}
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()

			c.logger.Warn("receive loop stopped: %v", err)
			c.failPending(err)
			c.closeOnce.Do(func() { close(c.done) })
			return
		}

		if c.closed() {
			return
		}

		c.handleMessage(msg)
	}
}

// handleMessage dispatches a received message by type.
func (c *Client) handleMessage(msg *Message) {
	var base ProtocolMessage
	if err := json.Unmarshal(msg.Content, &base); err != nil {
		c.logger.Debug("dropping undecodable message: %v", err)
		return
	}

	switch base.Type {
	case TypeResponse:
		c.handleResponse(msg.Content)
	case TypeEvent:
		c.handleEvent(msg.Content)
	}
}

func (c *Client) handleResponse(content []byte) {
	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	req, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if ok {
		req.finish(&resp, nil)
	}
}

// decodeEvent unmarshals body into T and calls fn when fn is set.
func decodeEvent[T any](body json.RawMessage, fn func(T)) {
	if fn == nil {
		return
	}
	var v T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return
		}
	}
	fn(v)
}

func (c *Client) handleEvent(content []byte) {
	var evt Event
	if err := json.Unmarshal(content, &evt); err != nil {
		return
	}

	c.handlerMu.RLock()
	h := c.handlers
	c.handlerMu.RUnlock()

	c.logger.Debug("event %s", evt.Event)

	switch evt.Event {
	case EventInitialized:
		if h.onInitialized != nil {
			h.onInitialized()
		}
	case EventStopped:
		decodeEvent(evt.Body, h.onStopped)
	case EventContinued:
		decodeEvent(evt.Body, h.onContinued)
	case EventExited:
		decodeEvent(evt.Body, h.onExited)
	case EventTerminated:
		decodeEvent(evt.Body, h.onTerminated)
	case EventOutput:
		decodeEvent(evt.Body, h.onOutput)
	}
}

// sendRequest sends a request and waits for the response.
func (c *Client) sendRequest(ctx context.Context, command string, args any) (*Response, error) {
	if c.closed() {
		return nil, ErrClientClosed
	}

	seq := int(atomic.AddInt64(&c.seq, 1))

	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
	}

	content, err := json.Marshal(Request{
		ProtocolMessage: ProtocolMessage{Seq: seq, Type: TypeRequest},
		Command:         command,
		Arguments:       argsJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	pending := &pendingRequest{done: make(chan struct{})}

	c.pendingMu.Lock()
	c.pending[seq] = pending
	c.pendingMu.Unlock()

	c.logger.Debug("request %s seq=%d", command, seq)

	if err := c.transport.Send(NewMessage(content)); err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	case <-pending.done:
		if pending.err != nil {
			return nil, pending.err
		}
		return pending.response, nil
	}
}

func (c *Client) forget(seq int) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// call sends a request and decodes a successful response body into T.
func call[T any](ctx context.Context, c *Client, command string, args any) (*T, error) {
	resp, err := c.sendRequest(ctx, command, args)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &ResponseError{Command: command, Message: resp.Message}
	}

	var body T
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", command, err)
		}
	}
	return &body, nil
}

// OnInitialized sets the handler for the initialized event.
func (c *Client) OnInitialized(handler func()) {
	c.handlerMu.Lock()
	c.handlers.onInitialized = handler
	c.handlerMu.Unlock()
}

// OnStopped sets the handler for the stopped event.
func (c *Client) OnStopped(handler func(StoppedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onStopped = handler
	c.handlerMu.Unlock()
}

// OnContinued sets the handler for the continued event.
func (c *Client) OnContinued(handler func(ContinuedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onContinued = handler
	c.handlerMu.Unlock()
}

// OnExited sets the handler for the exited event.
func (c *Client) OnExited(handler func(ExitedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onExited = handler
	c.handlerMu.Unlock()
}

// OnTerminated sets the handler for the terminated event.
func (c *Client) OnTerminated(handler func(TerminatedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onTerminated = handler
	c.handlerMu.Unlock()
}

// OnOutput sets the handler for the output event.
func (c *Client) OnOutput(handler func(OutputEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onOutput = handler
	c.handlerMu.Unlock()
}

// Initialize sends the initialize request.
func (c *Client) Initialize(ctx context.Context, args InitializeRequestArguments) (*Capabilities, error) {
	return call[Capabilities](ctx, c, "initialize", args)
}

// ConfigurationDone sends the configurationDone request.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := call[struct{}](ctx, c, "configurationDone", nil)
	return err
}

// Launch sends the launch request with adapter-specific arguments.
func (c *Client) Launch(ctx context.Context, args any) error {
	_, err := call[struct{}](ctx, c, "launch", args)
	return err
}

// Attach sends the attach request with adapter-specific arguments.
func (c *Client) Attach(ctx context.Context, args any) error {
	_, err := call[struct{}](ctx, c, "attach", args)
	return err
}

// Disconnect sends the disconnect request.
func (c *Client) Disconnect(ctx context.Context, args DisconnectArguments) error {
	_, err := call[struct{}](ctx, c, "disconnect", args)
	return err
}

// Threads sends the threads request.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	body, err := call[ThreadsResponseBody](ctx, c, "threads", nil)
	if err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// StackTrace sends the stackTrace request.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (*StackTraceResponseBody, error) {
	return call[StackTraceResponseBody](ctx, c, "stackTrace", args)
}

// Evaluate sends the evaluate request.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (*EvaluateResponseBody, error) {
	return call[EvaluateResponseBody](ctx, c, "evaluate", args)
}

// Variables sends the variables request.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	body, err := call[VariablesResponseBody](ctx, c, "variables", args)
	if err != nil {
		return nil, err
	}
	return body.Variables, nil
}

// ReadMemory sends the readMemory request.
func (c *Client) ReadMemory(ctx context.Context, args ReadMemoryArguments) (*ReadMemoryResponseBody, error) {
	return call[ReadMemoryResponseBody](ctx, c, "readMemory", args)
}
