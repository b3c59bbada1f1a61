package chain

import (
	"context"
	"errors"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeReader struct {
	receipt *types.Receipt
	err     error
	asked   common.Hash
}

func (f *fakeReader) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.asked = hash
	return f.receipt, f.err
}

const hash = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func TestVerifyTxSuccess(t *testing.T) {
	reader := &fakeReader{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	v := NewReceiptVerifier(reader, 0, nil)
	if err := v.VerifyTx(context.Background(), hash); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if reader.asked != common.HexToHash(hash) {
		t.Fatalf("unexpected hash requested %s", reader.asked.Hex())
	}
}

func TestVerifyTxReverted(t *testing.T) {
	v := NewReceiptVerifier(&fakeReader{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}, 0, nil)
	if err := v.VerifyTx(context.Background(), hash); !errors.Is(err, ErrTxFailed) {
		t.Fatalf("expected ErrTxFailed, got %v", err)
	}
}

func TestVerifyTxNotFound(t *testing.T) {
	v := NewReceiptVerifier(&fakeReader{err: ethereum.NotFound}, 0, nil)
	if err := v.VerifyTx(context.Background(), hash); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}
