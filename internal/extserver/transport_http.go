package extserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// httpTransport posts JSON-RPC 2.0 requests to a remote tool server. There
// is no process to supervise; liveness comes from the health probe alone.
type httpTransport struct {
	cfg       *ServerConfig
	client    *http.Client
	nextID    atomic.Int64
	connected atomic.Bool
}

func newHTTPTransport(cfg *ServerConfig) *httpTransport {
	return &httpTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	return nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("server %s not connected", t.cfg.ID)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: t.nextID.Add(1), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("server %s returned %d: %s", t.cfg.ID, httpResp.StatusCode, string(body))
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *httpTransport) Connected() bool { return t.connected.Load() }

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	t.client.CloseIdleConnections()
	return nil
}
