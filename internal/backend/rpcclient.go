package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/swapengine/pkg/logging"
	"github.com/sony/gobreaker"
)

// DefaultRPCTimeout bounds a single daemon call when none is configured.
const DefaultRPCTimeout = 30 * time.Second

// RPCClient speaks JSON-RPC to a chain daemon. Calls are serialised: a
// daemon wallet is not assumed to handle concurrent requests. Transport
// failures feed a circuit breaker; once it opens, calls fail fast with
// ErrTransient until the daemon recovers.
type RPCClient struct {
	url        string
	walletPath string
	rpcUser    string
	rpcPass    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	requestID  atomic.Uint64
	mu         sync.Mutex
	log        *logging.Logger
}

// NewRPCClient creates a client for the daemon at url. wallet, if set, is
// addressed through the /wallet/<name> path used by bitcoin-family daemons.
func NewRPCClient(name, url, wallet, user, pass string, timeout time.Duration, log *logging.Logger) *RPCClient {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	url = strings.TrimSuffix(url, "/")

	c := &RPCClient{
		url:     url,
		rpcUser: user,
		rpcPass: pass,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
	if wallet != "" {
		c.walletPath = "/wallet/" + wallet
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				log.Warn("daemon seems down, stop allowing requests", "daemon", name)
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				log.Info("checking daemon status", "daemon", name)
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				log.Info("daemon seems ok, allowing requests again", "daemon", name)
			}
		},
		IsSuccessful: func(err error) bool {
			var rpcErr *RPCError
			return err == nil || errors.As(err, &rpcErr)
		},
	})
	return c
}

// Call invokes a node-level method and decodes the result into out.
// out may be nil to discard the result.
func (c *RPCClient) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callPath(ctx, c.url, method, params, out)
}

// CallWallet invokes a wallet-level method.
func (c *RPCClient) CallWallet(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callPath(ctx, c.url+c.walletPath, method, params, out)
}

func (c *RPCClient) callPath(ctx context.Context, url, method string, params interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, url, method, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	raw, _ := res.(json.RawMessage)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *RPCClient) do(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientError(method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientError(method, err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	// Bitcoin-family daemons answer application errors with a non-200
	// status and a JSON body, so the body is parsed before the status.
	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s: http %d", ErrTransient, method, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: unexpected response (http %d): %w", method, resp.StatusCode, err)
	}

	if response.Error != nil {
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
	}

	return response.Result, nil
}

// transientError wraps transport failures. The daemon never answered, so
// nothing about the request can be assumed.
func transientError(method string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
}
