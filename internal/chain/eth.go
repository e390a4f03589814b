package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"hermes/pkg/config"
	"hermes/pkg/logging"
)

// DefaultTxTimeout bounds a relayed call when CHAIN_TX_TIMEOUT is unset.
const DefaultTxTimeout = 2 * time.Minute

// Config holds the RPC endpoint, relay key and contract addresses.
type Config struct {
	RPCURL           string
	ChainID          int64
	PrivateKey       string
	TokenAddress     string
	BridgeAddress    string
	ForwarderAddress string
	// TxTimeout bounds submit plus receipt wait for one relayed call. A call
	// that runs out of time after broadcast returns a *PendingError.
	TxTimeout time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		RPCURL:           config.RequireEnv("CHAIN_RPC_URL"),
		ChainID:          config.GetEnvInt64("CHAIN_ID", 80002),
		PrivateKey:       config.RequireEnv("RELAYER_PRIVATE_KEY"),
		TokenAddress:     config.RequireEnv("UGDX_TOKEN_ADDRESS"),
		BridgeAddress:    config.RequireEnv("BRIDGE_ADDRESS"),
		ForwarderAddress: config.RequireEnv("FORWARDER_ADDRESS"),
		TxTimeout:        config.GetEnvDuration("CHAIN_TX_TIMEOUT", DefaultTxTimeout),
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	return cfg
}

// EthRelay implements Relay over JSON-RPC. Submissions are serialised so the
// relay account's pending nonce is never handed out twice.
type EthRelay struct {
	client    *ethclient.Client
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	bridge    common.Address
	tokenAddr common.Address
	token     *bind.BoundContract
	bridgeC   *bind.BoundContract
	forwarder *bind.BoundContract
	txTimeout time.Duration
	logger    logging.Logger

	sendMu       sync.Mutex
	callDuration *prometheus.HistogramVec
}

// Dial connects to cfg.RPCURL and builds the relay.
func Dial(ctx context.Context, cfg Config, logger logging.Logger) (*EthRelay, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	relay, err := NewEthRelay(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return relay, nil
}

func NewEthRelay(client *ethclient.Client, cfg Config, logger logging.Logger) (*EthRelay, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}

	addrs := map[string]string{
		"token":     cfg.TokenAddress,
		"bridge":    cfg.BridgeAddress,
		"forwarder": cfg.ForwarderAddress,
	}
	for name, a := range addrs {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%s address %q: %w", name, a, ErrInvalidAddress)
		}
	}

	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}

	bound := func(addr string, parsed abi.ABI) *bind.BoundContract {
		return bind.NewBoundContract(common.HexToAddress(addr), parsed, client, client, client)
	}

	return &EthRelay{
		client:    client,
		chainID:   big.NewInt(cfg.ChainID),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		bridge:    common.HexToAddress(cfg.BridgeAddress),
		tokenAddr: common.HexToAddress(cfg.TokenAddress),
		token:     bound(cfg.TokenAddress, TokenABI),
		bridgeC:   bound(cfg.BridgeAddress, BridgeABI),
		forwarder: bound(cfg.ForwarderAddress, ForwarderABI),
		txTimeout: timeout,
		logger:    logger,
	}, nil
}

// WithCallMetrics records per-method latency into h (labels: method, status).
func (r *EthRelay) WithCallMetrics(h *prometheus.HistogramVec) *EthRelay {
	r.callDuration = h
	return r
}

// Address is the relay account that pays gas and holds mint authority.
func (r *EthRelay) Address() common.Address { return r.from }

func (r *EthRelay) Client() *ethclient.Client { return r.client }

func (r *EthRelay) Close() { r.client.Close() }

func (r *EthRelay) observe(method string, start time.Time, err error) {
	if r.callDuration == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.callDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}

func (r *EthRelay) callUint(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (v *big.Int, err error) {
	defer func(start time.Time) { r.observe(method, start, err) }(time.Now())

	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (r *EthRelay) BalanceOf(ctx context.Context, owner string) (decimal.Decimal, error) {
	addr, err := ParseAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	units, err := r.callUint(ctx, r.token, "balanceOf", addr)
	if err != nil {
		return decimal.Zero, err
	}
	return FromUnits(units), nil
}

func (r *EthRelay) UGXPerUSD(ctx context.Context) (decimal.Decimal, error) {
	units, err := r.callUint(ctx, r.bridgeC, "ugxPerUSD")
	if err != nil {
		return decimal.Zero, err
	}
	return FromUnits(units), nil
}

func (r *EthRelay) Nonce(ctx context.Context, signer common.Address) (*big.Int, error) {
	return r.callUint(ctx, r.forwarder, "getNonce", signer)
}

func (r *EthRelay) Mint(ctx context.Context, to string, amount decimal.Decimal) (*Receipt, error) {
	addr, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}
	return r.transact(ctx, r.bridgeC, "adminMintUGDX", addr, ToUnits(amount))
}

func (r *EthRelay) ExecuteMeta(ctx context.Context, tx MetaTx) (*Receipt, error) {
	target := tx.Target
	if target == (common.Address{}) {
		target = r.bridge
	}
	return r.transact(ctx, r.forwarder, "execute", target, tx.Data, tx.Signer, tx.Nonce, tx.Signature)
}

// send signs the call and broadcasts it. Errors before broadcast, and
// rejections reported by the node, are definite failures; anything else after
// the raw transaction left the relay is a *PendingError.
func (r *EthRelay) send(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.NoSend = true
	if opts.GasPrice, err = r.client.SuggestGasPrice(ctx); err != nil {
		return nil, fmt.Errorf("%s: suggest gas price: %w", method, err)
	}
	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if err := r.client.SendTransaction(ctx, tx); err != nil {
		var rejected rpc.Error
		if errors.As(err, &rejected) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return nil, &PendingError{Method: method, TxHash: tx.Hash().Hex(), Err: err}
	}
	return tx, nil
}

func (r *EthRelay) transact(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (receipt *Receipt, err error) {
	defer func(start time.Time) { r.observe(method, start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	// Once signed, the caller going away must not hide the outcome.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.txTimeout)
	defer cancel()

	tx, err := r.send(ctx, c, method, args...)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(logging.Fields{
		"method":  method,
		"tx_hash": tx.Hash().Hex(),
	}).Info("Submitted relay transaction")

	mined, err := bind.WaitMined(ctx, r.client, tx)
	if err != nil {
		return nil, &PendingError{Method: method, TxHash: tx.Hash().Hex(), Err: err}
	}
	receipt = r.toReceipt(mined)
	receipt.From = r.from
	if !receipt.Success {
		return receipt, fmt.Errorf("%s %s: %w", method, receipt.TxHash, ErrReverted)
	}
	return receipt, nil
}

// Receipt looks up a mined transaction and its sender.
func (r *EthRelay) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	mined, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	out := r.toReceipt(mined)

	tx, _, err := r.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if out.From, err = types.Sender(types.LatestSignerForChainID(r.chainID), tx); err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	return out, nil
}

func (r *EthRelay) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

// NativeBalance is the relay account's gas token balance.
func (r *EthRelay) NativeBalance(ctx context.Context) (decimal.Decimal, error) {
	wei, err := r.client.BalanceAt(ctx, r.from, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance at: %w", err)
	}
	return FromUnits(wei), nil
}

func (r *EthRelay) toReceipt(mined *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:            mined.TxHash.Hex(),
		GasUsed:           mined.GasUsed,
		EffectiveGasPrice: mined.EffectiveGasPrice,
		Success:           mined.Status == types.ReceiptStatusSuccessful,
		Transfers:         DecodeTransfers(r.tokenAddr, mined.Logs),
	}
	if mined.BlockNumber != nil {
		out.BlockNumber = mined.BlockNumber.Uint64()
	}
	return out
}

var _ Relay = (*EthRelay)(nil)
