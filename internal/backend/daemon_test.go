package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/logging"
)

// handlerFunc answers one RPC method. Returning an *RPCError sends it as
// the JSON-RPC error object.
type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

type daemonCall struct {
	Path   string
	Method string
	Params json.RawMessage
}

// fakeDaemon is a scripted JSON-RPC daemon.
type fakeDaemon struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []daemonCall
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{t: t, handlers: make(map[string]handlerFunc)}
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDaemon) URL() string { return d.server.URL }

func (d *fakeDaemon) handle(method string, h handlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// result registers a method that always returns v.
func (d *fakeDaemon) result(method string, v interface{}) {
	d.handle(method, func(json.RawMessage) (interface{}, *RPCError) { return v, nil })
}

// fail registers a method that always returns an RPC error.
func (d *fakeDaemon) fail(method string, code int, msg string) {
	d.handle(method, func(json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: code, Message: msg}
	})
}

func (d *fakeDaemon) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.calls = append(d.calls, daemonCall{Path: r.URL.Path, Method: req.Method, Params: req.Params})
	h, ok := d.handlers[req.Method]
	d.mu.Unlock()

	resp := map[string]interface{}{"id": req.ID}
	status := http.StatusOK
	if !ok {
		resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
		status = http.StatusNotFound
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		status = http.StatusInternalServerError
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// methods returns the called method names in order.
func (d *fakeDaemon) methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Method
	}
	return out
}

// paramsOf returns the params of the last call to method.
func (d *fakeDaemon) paramsOf(method string) []interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Method != method {
			continue
		}
		var params []interface{}
		if err := json.Unmarshal(d.calls[i].Params, &params); err != nil {
			d.t.Fatalf("params of %s are not a list: %s", method, d.calls[i].Params)
		}
		return params
	}
	d.t.Fatalf("%s was never called", method)
	return nil
}

// namedParamsOf returns the object params of the last call to method.
func (d *fakeDaemon) namedParamsOf(method string) map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Method != method {
			continue
		}
		var params map[string]interface{}
		if err := json.Unmarshal(d.calls[i].Params, &params); err != nil {
			d.t.Fatalf("params of %s are not an object: %s", method, d.calls[i].Params)
		}
		return params
	}
	d.t.Fatalf("%s was never called", method)
	return nil
}

func (d *fakeDaemon) called(method string) bool {
	for _, m := range d.methods() {
		if m == method {
			return true
		}
	}
	return false
}

func (d *fakeDaemon) lastPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return ""
	}
	return d.calls[len(d.calls)-1].Path
}

func mustParams(t *testing.T, symbol string, network chain.Network) *chain.Params {
	t.Helper()
	params, ok := chain.Get(symbol, network)
	if !ok {
		t.Fatalf("chain %s not registered", symbol)
	}
	return params
}

func testConfig(d *fakeDaemon) Config {
	return Config{URL: d.URL(), Wallet: "swap", Timeout: 5 * time.Second}
}

func newTestBitcoin(t *testing.T, symbol string, d *fakeDaemon) *BitcoinBackend {
	t.Helper()
	b, err := NewBitcoinBackend(mustParams(t, symbol, chain.Testnet), testConfig(d), logging.Discard())
	if err != nil {
		t.Fatalf("NewBitcoinBackend: %v", err)
	}
	return b
}

func newTestDash(t *testing.T, d *fakeDaemon, v20 bool) *DashBackend {
	t.Helper()
	cfg := testConfig(d)
	cfg.WalletV20Compatible = v20
	b, err := NewDashBackend(mustParams(t, "DASH", chain.Testnet), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewDashBackend: %v", err)
	}
	return b
}

func joinMethods(methods []string) string {
	return strings.Join(methods, ",")
}

// wireTestTx returns a minimal one-in one-out transaction.
func wireTestTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}
