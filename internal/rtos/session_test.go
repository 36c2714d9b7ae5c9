package rtos

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/dshills/rtosview/internal/dap"
)

// fakeSession answers from tables and counts requests.
type fakeSession struct {
	mu      sync.Mutex
	evals   map[string]dap.EvaluateResponseBody
	vars    map[int][]dap.Variable
	varErrs map[int]error
	memory  map[string][]byte
	calls   map[string]int
	// beforeReply runs after a request is counted and before it is
	// answered, simulating a notification that races the reply.
	beforeReply func(command string)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		evals:   make(map[string]dap.EvaluateResponseBody),
		vars:    make(map[int][]dap.Variable),
		varErrs: make(map[int]error),
		memory:  make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

func (s *fakeSession) setEval(expr, result string, ref int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals[expr] = dap.EvaluateResponseBody{Result: result, VariablesReference: ref}
}

func (s *fakeSession) setVars(ref int, vars ...dap.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[ref] = vars
}

func (s *fakeSession) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

func (s *fakeSession) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *fakeSession) enter(command string) {
	s.mu.Lock()
	s.calls[command]++
	hook := s.beforeReply
	s.mu.Unlock()
	if hook != nil {
		hook(command)
	}
}

func (s *fakeSession) Evaluate(ctx context.Context, args dap.EvaluateArguments) (*dap.EvaluateResponseBody, error) {
	s.enter("evaluate")
	if args.Context != dap.ContextHover {
		return nil, fmt.Errorf("unexpected context %q", args.Context)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.evals[args.Expression]
	if !ok {
		return nil, &dap.ResponseError{Command: "evaluate", Message: "unable to evaluate " + args.Expression}
	}
	return &body, nil
}

func (s *fakeSession) Variables(ctx context.Context, args dap.VariablesArguments) ([]dap.Variable, error) {
	s.enter("variables")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.varErrs[args.VariablesReference]; ok {
		return nil, err
	}
	return s.vars[args.VariablesReference], nil
}

func (s *fakeSession) ReadMemory(ctx context.Context, args dap.ReadMemoryArguments) (*dap.ReadMemoryResponseBody, error) {
	s.enter("readMemory")
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.memory[args.MemoryReference]
	if !ok {
		return nil, &dap.ResponseError{Command: "readMemory", Message: "unreadable"}
	}
	if len(data) > args.Count {
		data = data[:args.Count]
	}
	return &dap.ReadMemoryResponseBody{
		Address: args.MemoryReference,
		Data:    base64.StdEncoding.EncodeToString(data),
	}, nil
}
