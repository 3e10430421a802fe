package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
	"github.com/klingon-exchange/swapengine/pkg/logging"
)

const (
	// walletUnlockSeconds keeps the wallet unlocked until explicitly locked.
	walletUnlockSeconds = 100000000

	receiveLabel = "swap_receive"
)

// BitcoinBackend drives a bitcoin-family daemon (BTC, LTC, DOGE, PART and,
// through DashBackend, DASH) over its JSON-RPC wallet interface.
type BitcoinBackend struct {
	params *chain.Params
	net    *chaincfg.Params
	rpc    *RPCClient
	cfg    Config
	log    *logging.Logger

	// addressType is passed to getnewaddress; empty for daemons that do
	// not take one.
	addressType string

	// seedID reports the wallet's current seed fingerprint. Backends with
	// a different wallet seed layout replace it.
	seedID func(ctx context.Context) (string, error)

	// cachePassphrase keeps the last unlock passphrase for wallets that
	// must be re-unlocked after a seed upgrade.
	cachePassphrase bool

	mu          sync.Mutex
	passphrase  string
	seedChecked bool
	seedWarning bool
}

// NewBitcoinBackend creates a backend for a bitcoin-family chain.
func NewBitcoinBackend(params *chain.Params, cfg Config, log *logging.Logger) (*BitcoinBackend, error) {
	if params == nil || params.Type != chain.ChainTypeBitcoin {
		return nil, fmt.Errorf("%w: not a bitcoin-family chain", ErrUnsupportedChain)
	}
	if log == nil {
		log = logging.GetDefault().Component("backend").Component(params.Symbol)
	}
	if cfg.BlocksConfirmed <= 0 {
		cfg.BlocksConfirmed = params.BlocksConfirmed
	}
	if cfg.ConfTarget <= 0 {
		cfg.ConfTarget = 2
	}

	b := &BitcoinBackend{
		params: params,
		net:    params.NetParams(),
		rpc:    NewRPCClient(params.Symbol, cfg.URL, cfg.Wallet, cfg.User, cfg.Pass, cfg.Timeout, log),
		cfg:    cfg,
		log:    log,
	}
	if params.SupportsSegWit && !params.NonStandardTx {
		b.addressType = "bech32"
	}
	b.seedID = b.walletInfoSeedID
	return b, nil
}

// Symbol returns the chain symbol.
func (b *BitcoinBackend) Symbol() string { return b.params.Symbol }

// Params returns the chain parameters.
func (b *BitcoinBackend) Params() *chain.Params { return b.params }

// RequiredConfirmations returns the depth at which transactions are trusted.
func (b *BitcoinBackend) RequiredConfirmations() int { return b.cfg.BlocksConfirmed }

// Connect tests the connection to the daemon.
func (b *BitcoinBackend) Connect(ctx context.Context) error {
	if err := b.rpc.Call(ctx, "getblockchaininfo", nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close releases the backend. The RPC client holds no open connections.
func (b *BitcoinBackend) Close() error { return nil }

// DecodeAddress returns the 20-byte hash carried by a base58 or bech32 address.
func (b *BitcoinBackend) DecodeAddress(address string) ([]byte, error) {
	if payload, version, err := base58.CheckDecode(address); err == nil {
		if len(payload) != 20 {
			return nil, fmt.Errorf("%w: bad payload length %d", ErrInvalidAddress, len(payload))
		}
		if version != b.params.PubKeyHashAddrID && version != b.params.ScriptHashAddrID {
			return nil, fmt.Errorf("%w: unexpected version byte %#x", ErrInvalidAddress, version)
		}
		return payload, nil
	}
	if b.params.Bech32HRP == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	wpkh, ok := addr.(*btcutil.AddressWitnessPubKeyHash)
	if !ok {
		return nil, fmt.Errorf("%w: not a pubkey hash address", ErrInvalidAddress)
	}
	return wpkh.WitnessProgram(), nil
}

// EncodeKey encodes a 32-byte private key as compressed WIF.
func (b *BitcoinBackend) EncodeKey(key []byte) (string, error) {
	if len(key) != btcec.PrivKeyBytesLen {
		return "", fmt.Errorf("key must be %d bytes", btcec.PrivKeyBytesLen)
	}
	priv, _ := btcec.PrivKeyFromBytes(key)
	wif, err := btcutil.NewWIF(priv, b.net, true)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}

// GetNewAddress returns a fresh wallet receive address.
func (b *BitcoinBackend) GetNewAddress(ctx context.Context) (string, error) {
	args := []interface{}{receiveLabel}
	if b.addressType != "" {
		args = append(args, b.addressType)
	}
	var addr string
	if err := b.rpc.CallWallet(ctx, "getnewaddress", args, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

// GetSpendableBalance returns the trusted wallet balance.
func (b *BitcoinBackend) GetSpendableBalance(ctx context.Context) (int64, error) {
	var balances struct {
		Mine struct {
			Trusted json.Number `json:"trusted"`
		} `json:"mine"`
	}
	if err := b.rpc.CallWallet(ctx, "getbalances", nil, &balances); err != nil {
		return 0, err
	}
	return b.makeInt(balances.Mine.Trusted)
}

// EstimateFee returns round(feeRate * size / 1000), adding the chain's
// signature allowance for unsigned transactions.
func (b *BitcoinBackend) EstimateFee(txSize int, feeRate int64, unsigned bool) int64 {
	if unsigned {
		txSize += b.params.UnsignedInputAllowance
	}
	fee := feeForSize(txSize, feeRate)
	b.log.Debug("estimated fee", "fee_rate", feeRate, "size", txSize, "fee", fee)
	return fee
}

// FindConfirmedWalletTxn looks up a wallet transaction. Only wallet
// transactions are visible.
func (b *BitcoinBackend) FindConfirmedWalletTxn(ctx context.Context, txid string) (*TxSummary, error) {
	var wtx struct {
		Confirmations int    `json:"confirmations"`
		BlockHash     string `json:"blockhash"`
	}
	if err := b.rpc.CallWallet(ctx, "gettransaction", []interface{}{txid}, &wtx); err != nil {
		if errors.Is(err, ErrTransient) {
			return nil, err
		}
		b.log.Debug("gettransaction failed", "txid", txid, "error", err)
		return nil, nil
	}
	if wtx.Confirmations < b.cfg.BlocksConfirmed {
		return nil, nil
	}

	var header struct {
		Height int64 `json:"height"`
	}
	if err := b.rpc.Call(ctx, "getblockheader", []interface{}{wtx.BlockHash}, &header); err != nil {
		return nil, err
	}
	return &TxSummary{TxID: txid, Height: header.Height}, nil
}

// GetTxDepth returns the confirmation depth of txid, looking it up in the
// node first and the wallet second.
func (b *BitcoinBackend) GetTxDepth(ctx context.Context, txid string) (*TxDepth, error) {
	var tx struct {
		Confirmations int    `json:"confirmations"`
		BlockHash     string `json:"blockhash"`
		BlockTime     int64  `json:"blocktime"`
	}
	err := b.rpc.Call(ctx, "getrawtransaction", []interface{}{txid, true}, &tx)
	if err != nil {
		if !errors.Is(err, ErrTxNotFound) {
			return nil, err
		}
		if err := b.rpc.CallWallet(ctx, "gettransaction", []interface{}{txid}, &tx); err != nil {
			if errors.Is(err, ErrTxNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
			}
			return nil, err
		}
	}
	depth := &TxDepth{Depth: -1, BlockHash: tx.BlockHash, BlockTime: tx.BlockTime}
	if tx.Confirmations > 0 {
		depth.Depth = tx.Confirmations
	}
	return depth, nil
}

// InitialiseWalletFromSeed sets the wallet HD seed to seed.
func (b *BitcoinBackend) InitialiseWalletFromSeed(ctx context.Context, seed []byte, restoreTime int64) error {
	b.mu.Lock()
	b.seedChecked = false
	b.mu.Unlock()

	wif, err := b.EncodeKey(seed)
	if err != nil {
		return err
	}
	return b.rpc.CallWallet(ctx, "sethdseed", []interface{}{true, wif}, nil)
}

// SeedFingerprint returns the hdseedid the daemon reports after sethdseed.
func (b *BitcoinBackend) SeedFingerprint(seed []byte) (string, error) {
	return hdSeedID(seed)
}

func (b *BitcoinBackend) walletInfoSeedID(ctx context.Context) (string, error) {
	var info struct {
		HDSeedID string `json:"hdseedid"`
	}
	if err := b.rpc.CallWallet(ctx, "getwalletinfo", nil, &info); err != nil {
		return "", err
	}
	if info.HDSeedID == "" {
		return SeedNotFound, nil
	}
	return info.HDSeedID, nil
}

// CheckWalletMatchesSeed compares the wallet seed against expected.
func (b *BitcoinBackend) CheckWalletMatchesSeed(ctx context.Context, expected string) (bool, error) {
	id, err := b.seedID(ctx)
	if err != nil {
		return false, seedReadError(b.Symbol(), err)
	}
	return b.recordSeedCheck(id, expected), nil
}

func (b *BitcoinBackend) recordSeedCheck(have, expected string) bool {
	match := have != SeedNotFound && have == expected
	if !match {
		b.log.Debug("wallet seed mismatch", "have", have, "expected", expected)
		return false
	}
	b.mu.Lock()
	b.seedChecked = true
	b.mu.Unlock()
	return true
}

// SeedChecked reports whether the wallet seed was verified since the last
// wallet initialisation.
func (b *BitcoinBackend) SeedChecked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seedChecked
}

// SeedWarning reports whether the wallet seed changed unexpectedly.
func (b *BitcoinBackend) SeedWarning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seedWarning
}

func (b *BitcoinBackend) setSeedWarning(v bool) {
	b.mu.Lock()
	b.seedWarning = v
	b.mu.Unlock()
}

// IsWalletEncrypted reports whether the wallet has a passphrase.
func (b *BitcoinBackend) IsWalletEncrypted(ctx context.Context) (bool, error) {
	var info map[string]json.RawMessage
	if err := b.rpc.CallWallet(ctx, "getwalletinfo", nil, &info); err != nil {
		return false, err
	}
	_, encrypted := info["unlocked_until"]
	return encrypted, nil
}

// UnlockWallet unlocks the wallet until LockWallet is called.
func (b *BitcoinBackend) UnlockWallet(ctx context.Context, passphrase string) error {
	b.log.Info("unlocking wallet")
	if err := b.rpc.CallWallet(ctx, "walletpassphrase", []interface{}{passphrase, walletUnlockSeconds}, nil); err != nil {
		return err
	}
	if b.cachePassphrase {
		b.mu.Lock()
		b.passphrase = passphrase
		b.mu.Unlock()
	}
	return nil
}

// LockWallet locks the wallet and forgets any cached passphrase.
func (b *BitcoinBackend) LockWallet(ctx context.Context) error {
	b.log.Info("locking wallet")
	b.mu.Lock()
	b.passphrase = ""
	b.mu.Unlock()
	return b.rpc.CallWallet(ctx, "walletlock", nil, nil)
}

func (b *BitcoinBackend) cachedPassphrase() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.passphrase
}

// EncryptWallet encrypts the wallet with newPass. When checkSeed is set
// and the wallet has a seed, the seed id is compared before and after; a
// change raises the seed warning but is not an error.
func (b *BitcoinBackend) EncryptWallet(ctx context.Context, oldPass, newPass string, checkSeed bool) error {
	if oldPass != "" {
		if err := b.UnlockWallet(ctx, oldPass); err != nil {
			return err
		}
	}
	before, err := b.seedID(ctx)
	if err != nil {
		return err
	}

	if err := b.rpc.CallWallet(ctx, "encryptwallet", []interface{}{newPass}, nil); err != nil {
		return err
	}

	if !checkSeed || before == SeedNotFound {
		return nil
	}
	if err := b.UnlockWallet(ctx, newPass); err != nil {
		return err
	}
	after, err := b.seedID(ctx)
	if lockErr := b.LockWallet(ctx); lockErr != nil && err == nil {
		err = lockErr
	}
	if err != nil {
		return err
	}
	if before == after {
		return nil
	}

	b.log.Warn("wallet seed changed after encryption")
	b.log.Debug("seed ids", "before", before, "after", after)
	b.setSeedWarning(true)
	return nil
}

// ChangeWalletPassword changes the wallet passphrase. An empty oldPass
// means the wallet is being encrypted for the first time.
func (b *BitcoinBackend) ChangeWalletPassword(ctx context.Context, oldPass, newPass string, checkSeed bool) error {
	b.log.Info("changing wallet password")
	if oldPass == "" {
		encrypted, err := b.IsWalletEncrypted(ctx)
		if err != nil {
			return err
		}
		if encrypted {
			return ErrOldPasswordNeeded
		}
		return b.EncryptWallet(ctx, oldPass, newPass, checkSeed)
	}
	return b.rpc.CallWallet(ctx, "walletpassphrasechange", []interface{}{oldPass, newPass}, nil)
}

// ============ Script capabilities ============

// BuildScriptForPubkeyHash returns P2WPKH on SegWit chains and P2PKH elsewhere.
func (b *BitcoinBackend) BuildScriptForPubkeyHash(pkh []byte) ([]byte, error) {
	if len(pkh) != 20 {
		return nil, fmt.Errorf("%w: pubkey hash must be 20 bytes", ErrInvalidAddress)
	}
	if b.params.SupportsSegWit {
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(pkh).
			Script()
	}
	return p2pkhScript(pkh)
}

func p2pkhScript(pkh []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pkh).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// AddressScript returns the output script for address.
func (b *BitcoinBackend) AddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(b.net) {
		return nil, fmt.Errorf("%w: wrong network", ErrInvalidAddress)
	}
	return txscript.PayToAddrScript(addr)
}

// GetBlockHeight returns the current chain height.
func (b *BitcoinBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := b.rpc.Call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlock returns the block at height with its transactions decoded by
// the daemon, so chain-specific serialisations need no local parsing.
func (b *BitcoinBackend) GetBlock(ctx context.Context, height int64) (*Block, error) {
	var hash string
	if err := b.rpc.Call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return nil, err
	}

	var raw struct {
		Hash   string `json:"hash"`
		Height int64  `json:"height"`
		Time   int64  `json:"time"`
		Tx     []struct {
			TxID string `json:"txid"`
			Vin  []struct {
				Coinbase  string `json:"coinbase"`
				TxID      string `json:"txid"`
				Vout      uint32 `json:"vout"`
				ScriptSig struct {
					Hex string `json:"hex"`
				} `json:"scriptSig"`
				Witness []string `json:"txinwitness"`
			} `json:"vin"`
			Vout []struct {
				Value        json.Number `json:"value"`
				N            uint32      `json:"n"`
				ScriptPubKey struct {
					Hex string `json:"hex"`
				} `json:"scriptPubKey"`
			} `json:"vout"`
		} `json:"tx"`
	}
	if err := b.rpc.Call(ctx, "getblock", []interface{}{hash, 2}, &raw); err != nil {
		return nil, err
	}

	block := &Block{Hash: raw.Hash, Height: raw.Height, Time: raw.Time, Txs: make([]BlockTx, 0, len(raw.Tx))}
	for _, rtx := range raw.Tx {
		tx := BlockTx{TxID: rtx.TxID}
		for _, in := range rtx.Vin {
			if in.Coinbase != "" {
				continue
			}
			txIn := TxIn{PrevOut: OutPoint{TxID: in.TxID, Index: in.Vout}}
			txIn.ScriptSig, _ = hex.DecodeString(in.ScriptSig.Hex)
			for _, w := range in.Witness {
				item, err := hex.DecodeString(w)
				if err != nil {
					return nil, fmt.Errorf("%w: bad witness in %s", ErrInvalidTx, rtx.TxID)
				}
				txIn.Witness = append(txIn.Witness, item)
			}
			tx.Inputs = append(tx.Inputs, txIn)
		}
		for _, out := range rtx.Vout {
			script, err := hex.DecodeString(out.ScriptPubKey.Hex)
			if err != nil {
				return nil, fmt.Errorf("%w: bad script in %s", ErrInvalidTx, rtx.TxID)
			}
			value, err := b.makeInt(out.Value)
			if err != nil {
				return nil, err
			}
			tx.Outputs = append(tx.Outputs, TxOut{Index: out.N, Value: value, Script: script})
		}
		block.Txs = append(block.Txs, tx)
	}
	return block, nil
}

// GetTransaction returns a transaction by id from the node, falling back
// to the wallet when the node has no transaction index.
func (b *BitcoinBackend) GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	if b.params.NonStandardTx {
		return nil, fmt.Errorf("%w: %s transactions cannot be decoded locally", ErrUnsupported, b.params.Symbol)
	}

	var txHex string
	err := b.rpc.Call(ctx, "getrawtransaction", []interface{}{txid, false}, &txHex)
	if errors.Is(err, ErrTxNotFound) {
		var wtx struct {
			Hex string `json:"hex"`
		}
		if werr := b.rpc.CallWallet(ctx, "gettransaction", []interface{}{txid}, &wtx); werr != nil {
			if errors.Is(werr, ErrTxNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
			}
			return nil, werr
		}
		txHex, err = wtx.Hex, nil
	}
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx, nil
}

// Broadcast sends a signed transaction to the network.
func (b *BitcoinBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	var txid string
	if err := b.rpc.Call(ctx, "sendrawtransaction", []interface{}{hex.EncodeToString(buf.Bytes())}, &txid); err != nil {
		if errors.Is(err, ErrTransient) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
	b.log.Info("broadcast transaction", "txid", txid)
	return txid, nil
}

// SendToAddress pays value to address from the wallet.
func (b *BitcoinBackend) SendToAddress(ctx context.Context, address string, value int64) (string, error) {
	return b.WithdrawCoin(ctx, value, address, false)
}

// WithdrawCoin pays value to address, optionally subtracting the fee.
func (b *BitcoinBackend) WithdrawCoin(ctx context.Context, value int64, address string, subfee bool) (string, error) {
	amount, err := b.amountParam(value)
	if err != nil {
		return "", err
	}
	var txid string
	err = b.rpc.CallWallet(ctx, "sendtoaddress", []interface{}{address, amount, "", "", subfee}, &txid)
	return txid, err
}

// FundTransaction adds wallet inputs and change to tx and signs them. The
// result is not broadcast.
func (b *BitcoinBackend) FundTransaction(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, error) {
	if b.params.NonStandardTx {
		return nil, fmt.Errorf("%w: %s transactions cannot be decoded locally", ErrUnsupported, b.params.Symbol)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	var funded struct {
		Hex string `json:"hex"`
	}
	if err := b.rpc.CallWallet(ctx, "fundrawtransaction", []interface{}{hex.EncodeToString(buf.Bytes())}, &funded); err != nil {
		return nil, err
	}
	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := b.rpc.CallWallet(ctx, "signrawtransactionwithwallet", []interface{}{funded.Hex}, &signed); err != nil {
		return nil, err
	}
	if !signed.Complete {
		return nil, fmt.Errorf("%w: wallet could not sign all inputs", ErrInvalidTx)
	}

	raw, err := hex.DecodeString(signed.Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	out := wire.NewMsgTx(wire.TxVersion)
	if err := out.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return out, nil
}

// FeeRate returns the estimated fee rate in smallest units per 1000 bytes,
// falling back to the node's relay fee.
func (b *BitcoinBackend) FeeRate(ctx context.Context) (int64, error) {
	var est struct {
		FeeRate json.Number `json:"feerate"`
	}
	if err := b.rpc.Call(ctx, "estimatesmartfee", []interface{}{b.cfg.ConfTarget}, &est); err == nil && est.FeeRate != "" {
		return b.makeInt(est.FeeRate)
	} else if errors.Is(err, ErrTransient) {
		return 0, err
	}

	var info struct {
		RelayFee json.Number `json:"relayfee"`
	}
	if err := b.rpc.Call(ctx, "getnetworkinfo", nil, &info); err != nil {
		return 0, err
	}
	return b.makeInt(info.RelayFee)
}

func (b *BitcoinBackend) makeInt(n json.Number) (int64, error) {
	v, err := helpers.MakeInt(n.String(), b.params.Decimals, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}

func (b *BitcoinBackend) amountParam(value int64) (json.Number, error) {
	if value <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, value)
	}
	return json.Number(helpers.FormatAmount(uint64(value), b.params.Decimals)), nil
}

var (
	_ ChainBackend  = (*BitcoinBackend)(nil)
	_ ScriptBackend = (*BitcoinBackend)(nil)
)
