// Package evm implements domain.ChainGateway against an EVM escrow contract
// using go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

const (
	defaultRatePerSec  = 10
	defaultReceiptPoll = 2 * time.Second
	deployGasLimit     = uint64(3_000_000)
)

// DefaultWeiPerUnit converts ledger nano units to wei (18 decimals).
var DefaultWeiPerUnit = big.NewInt(1_000_000_000)

// Backend is the subset of *ethclient.Client the gateway needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Config tunes a Gateway.
type Config struct {
	ChainID *big.Int
	// Bytecode is the escrow creation code. Deployments fail without it.
	Bytecode []byte
	// WeiPerUnit scales ledger amounts to on-chain values.
	WeiPerUnit *big.Int
	RatePerSec float64
	// ReceiptPoll is how often DeployContract polls for the creation receipt.
	ReceiptPoll time.Duration
}

// Gateway talks to escrow contracts over JSON-RPC. Every RPC waits on a
// shared rate limiter.
type Gateway struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	admin    common.Address
	chainID  *big.Int
	bytecode []byte
	scale    *big.Int
	limiter  *rate.Limiter
	poll     time.Duration
	logger   *slog.Logger
}

// New creates a Gateway. key may be nil, in which case DeployContract fails.
func New(backend Backend, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) *Gateway {
	if cfg.WeiPerUnit == nil || cfg.WeiPerUnit.Sign() <= 0 {
		cfg.WeiPerUnit = DefaultWeiPerUnit
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	g := &Gateway{
		backend:  backend,
		key:      key,
		chainID:  cfg.ChainID,
		bytecode: cfg.Bytecode,
		scale:    cfg.WeiPerUnit,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
		poll:     cfg.ReceiptPoll,
		logger:   logger.With(slog.String("component", "evm")),
	}
	if key != nil {
		g.admin = ethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return g
}

// Dial connects to rpcURL and builds a Gateway. A zero cfg.ChainID is
// filled from the node.
func Dial(ctx context.Context, rpcURL string, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Gateway, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("evm: chain id: %w", err)
		}
		cfg.ChainID = id
	}
	return New(client, cfg, key, logger), client, nil
}

// LoadBytecode reads hex-encoded creation code from path.
func LoadBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evm: read bytecode: %w", err)
	}
	code, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: decode bytecode: %w", err)
	}
	return code, nil
}

func (g *Gateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("evm: rate limit: %w: %w", domain.ErrChainUnavailable, err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("evm: %s: %w: %w", op, domain.ErrChainUnavailable, err)
}

// VerifyTransaction reports whether txHash is a successful, mined transfer of
// expectedAmount to contract, sent by expectedSender when one is given. RPC
// failures are errors; a transaction that does not match is (false, nil).
func (g *Gateway) VerifyTransaction(ctx context.Context, txHash, contract string, expectedAmount domain.Amount, expectedSender string) (bool, error) {
	hash, ok := parseHash(txHash)
	if !ok || !common.IsHexAddress(contract) {
		return false, nil
	}
	log := g.logger.With(slog.String("tx", txHash))

	if err := g.wait(ctx); err != nil {
		return false, err
	}
	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		log.Warn("evm: transaction not found")
		return false, nil
	}
	if err != nil {
		return false, unavailable("receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("evm: transaction reverted")
		return false, nil
	}

	if err := g.wait(ctx); err != nil {
		return false, err
	}
	tx, pending, err := g.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("transaction", err)
	}
	if pending {
		return false, nil
	}

	if tx.To() == nil || *tx.To() != common.HexToAddress(contract) {
		log.Warn("evm: destination mismatch", slog.String("expected", contract))
		return false, nil
	}
	want := new(big.Int).Mul(expectedAmount.BigInt(), g.scale)
	if tx.Value().Cmp(want) != 0 {
		log.Warn("evm: amount mismatch",
			slog.String("expected", want.String()),
			slog.String("actual", tx.Value().String()),
		)
		return false, nil
	}
	if expectedSender != "" {
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil || !common.IsHexAddress(expectedSender) || from != common.HexToAddress(expectedSender) {
			log.Warn("evm: sender mismatch", slog.String("expected", expectedSender))
			return false, nil
		}
	}
	return true, nil
}

// FetchMarketState reads getMarketData from the escrow at contract.
func (g *Gateway) FetchMarketState(ctx context.Context, contract string) (domain.ChainMarketState, error) {
	if !common.IsHexAddress(contract) {
		return domain.ChainMarketState{}, fmt.Errorf("evm: invalid contract address %q", contract)
	}
	input, err := escrowABI.Pack("getMarketData")
	if err != nil {
		return domain.ChainMarketState{}, fmt.Errorf("evm: pack getMarketData: %w", err)
	}
	to := common.HexToAddress(contract)

	if err := g.wait(ctx); err != nil {
		return domain.ChainMarketState{}, err
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return domain.ChainMarketState{}, unavailable("call getMarketData", err)
	}
	md, err := decodeMarketData(out)
	if err != nil {
		return domain.ChainMarketState{}, err
	}
	outcome, err := contractOutcome(md.ResolvedOutcome)
	if err != nil {
		return domain.ChainMarketState{}, err
	}
	return domain.ChainMarketState{
		PoolYes:   g.toAmount(md.TotalYes),
		PoolNo:    g.toAmount(md.TotalNo),
		Outcome:   outcome,
		FeeInBps:  int(md.FeeInBps),
		FeeOutBps: int(md.FeeOutBps),
	}, nil
}

// DeployContract sends a contract-creation transaction for a new escrow and
// waits until it is mined. The address comes from the receipt; a reverted
// creation is an error and a receipt that does not arrive before ctx ends
// wraps domain.ErrChainUnavailable.
func (g *Gateway) DeployContract(ctx context.Context, marketID int64, feeInBps, feeOutBps int) (domain.Deployment, error) {
	if g.key == nil {
		return domain.Deployment{}, errors.New("evm: admin key not configured")
	}
	if len(g.bytecode) == 0 {
		return domain.Deployment{}, errors.New("evm: escrow bytecode not configured")
	}
	args, err := escrowABI.Pack("", big.NewInt(marketID), uint16(feeInBps), uint16(feeOutBps))
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("evm: pack constructor: %w", err)
	}
	data := append(append([]byte{}, g.bytecode...), args...)

	if err := g.wait(ctx); err != nil {
		return domain.Deployment{}, err
	}
	nonce, err := g.backend.PendingNonceAt(ctx, g.admin)
	if err != nil {
		return domain.Deployment{}, unavailable("nonce", err)
	}
	if err := g.wait(ctx); err != nil {
		return domain.Deployment{}, err
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return domain.Deployment{}, unavailable("gas price", err)
	}
	if err := g.wait(ctx); err != nil {
		return domain.Deployment{}, err
	}
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: g.admin, GasPrice: gasPrice, Data: data})
	if err != nil {
		g.logger.Warn("evm: gas estimate failed, using default",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
		gas = deployGasLimit
	}
	gas = gas * 12 / 10

	tx := types.NewContractCreation(nonce, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("evm: sign deploy: %w", err)
	}
	if err := g.wait(ctx); err != nil {
		return domain.Deployment{}, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return domain.Deployment{}, unavailable("send deploy", err)
	}

	txHash := signed.Hash()
	g.logger.Info("evm: escrow deploy sent",
		slog.Int64("market_id", marketID),
		slog.String("tx", txHash.Hex()),
	)

	receipt, err := g.waitMined(ctx, txHash)
	if err != nil {
		return domain.Deployment{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Deployment{}, fmt.Errorf("evm: deploy tx %s reverted", txHash.Hex())
	}
	if receipt.ContractAddress == (common.Address{}) {
		return domain.Deployment{}, fmt.Errorf("evm: deploy tx %s: receipt has no contract address", txHash.Hex())
	}

	dep := domain.Deployment{
		Address: receipt.ContractAddress.Hex(),
		TxHash:  txHash.Hex(),
	}
	g.logger.Info("evm: escrow deployed",
		slog.Int64("market_id", marketID),
		slog.String("address", dep.Address),
		slog.String("tx", dep.TxHash),
	)
	return dep, nil
}

// waitMined polls for the receipt of hash until it appears or ctx ends.
// Lookup errors other than not-found are retried; the last one is reported
// on timeout.
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	var lastErr error
	for {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, unavailable("await deploy receipt", fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
			}
			return nil, unavailable("await deploy receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) toAmount(wei *big.Int) domain.Amount {
	if wei == nil {
		return domain.NewAmount(0)
	}
	return domain.AmountFromBig(new(big.Int).Quo(wei, g.scale))
}

func parseHash(s string) (common.Hash, bool) {
	h := strings.TrimPrefix(s, "0x")
	if len(h) != 2*common.HashLength {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(h); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(h), true
}

var _ domain.ChainGateway = (*Gateway)(nil)
