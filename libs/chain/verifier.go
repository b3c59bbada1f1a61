package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrTxNotFound = errors.New("transaction not found")
	ErrTxFailed   = errors.New("transaction reverted")
)

// Verifier checks that a transaction hash referenced by an escrow or deposit
// operation has been mined successfully.
type Verifier interface {
	VerifyTx(ctx context.Context, txHash string) error
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ReceiptVerifier struct {
	reader  ReceiptReader
	timeout time.Duration
	logger  *slog.Logger
}

func NewReceiptVerifier(reader ReceiptReader, timeout time.Duration, logger *slog.Logger) *ReceiptVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ReceiptVerifier{reader: reader, timeout: timeout, logger: logger}
}

// Dial connects to an EVM JSON-RPC endpoint. The returned close func must be
// called on shutdown.
func Dial(ctx context.Context, rpcURL string, timeout time.Duration, logger *slog.Logger) (*ReceiptVerifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewReceiptVerifier(client, timeout, logger), client.Close, nil
}

func (v *ReceiptVerifier) VerifyTx(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		v.logger.Error("receipt lookup failed", "tx_hash", txHash, "error", err)
		return fmt.Errorf("receipt lookup: %w", err)
	}
	if receipt == nil {
		return ErrTxNotFound
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTxFailed
	}
	return nil
}

// NoopVerifier accepts every hash. Used when no RPC endpoint is configured.
type NoopVerifier struct{}

func (NoopVerifier) VerifyTx(context.Context, string) error { return nil }
