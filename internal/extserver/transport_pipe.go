package extserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
)

// pipeTransport speaks newline-framed JSON-RPC 2.0 over a child process's
// stdin/stdout. The in-flight table maps request id to the waiting caller.
type pipeTransport struct {
	cfg    *ServerConfig
	logger *observability.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
	nextID    atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup

	// onExit fires once when the child's stdout closes, which signals a
	// crash or a clean exit.
	onExit func()
}

func newPipeTransport(cfg *ServerConfig, logger *observability.Logger, onExit func()) *pipeTransport {
	return &pipeTransport{
		cfg:     cfg,
		logger:  logger.With("server", cfg.ID, "transport", "pipe"),
		pending: make(map[int64]chan *rpcResponse),
		stopCh:  make(chan struct{}),
		exited:  make(chan struct{}),
		onExit:  onExit,
	}
}

// Connect launches the child and starts the reader loops.
func (t *pipeTransport) Connect(ctx context.Context) error {
	t.process = exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...) // #nosec G204 -- command validated at registration
	t.process.Env = os.Environ()
	for k, v := range t.cfg.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.cfg.WorkDir != "" {
		t.process.Dir = t.cfg.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info(ctx, "tool server process started",
		"command", t.cfg.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

// Call sends a request and waits for its response, the timeout, or
// cancellation.
func (t *pipeTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("server %s not connected", t.cfg.ID)
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	t.writeMu.Lock()
	_, err := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v: %w", timeout, context.DeadlineExceeded)
	case <-t.stopCh:
		return nil, fmt.Errorf("transport closed")
	}
}

// Connected reports whether the child is reachable.
func (t *pipeTransport) Connected() bool { return t.connected.Load() }

// Close terminates the child and the reader loops.
func (t *pipeTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopCh)
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *pipeTransport) readLoop() {
	defer t.wg.Done()
	defer func() {
		wasConnected := t.connected.Swap(false)
		close(t.exited)
		if wasConnected && t.onExit != nil {
			t.onExit()
		}
	}()

	for t.stdout.Scan() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.dispatch(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Warn(context.Background(), "stdout scanner error", "error", err)
	}
}

func (t *pipeTransport) dispatch(line string) {
	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
		return
	}
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		t.logger.Warn(context.Background(), "unexpected response id type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *pipeTransport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug(context.Background(), "server stderr", "message", line)
		}
	}
}
