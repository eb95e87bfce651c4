package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moltpay "github.com/molt-pay/molt-pay-go"
)

const testMerchant = "0x1234567890abcdef1234567890abcdef12345678"

// fakeBackend mines every transaction after pendingPolls receipt lookups
type fakeBackend struct {
	mu           sync.Mutex
	nonce        uint64
	sent         []*types.Transaction
	polls        map[common.Hash]int
	pendingPolls int
	status       uint64
	sendErr      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{polls: make(map[common.Hash]int), status: types.ReceiptStatusSuccessful}
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls[hash]++
	if b.polls[hash] <= b.pendingPolls {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.status, TxHash: hash, BlockNumber: big.NewInt(4242)}, nil
}

func (b *fakeBackend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

func newTestTransferer(t *testing.T, backend *fakeBackend) *ERC20Transferer {
	t.Helper()
	signer, err := FromPrivateKey(testPrivateKey)
	require.NoError(t, err)
	tr, err := NewERC20Transferer(backend, signer, TransfererConfig{
		Network:      USDCPolygon(),
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return tr
}

func transferRequest(key string, amount string) moltpay.TransferRequest {
	return moltpay.TransferRequest{
		IdempotencyKey: key,
		Leg:            moltpay.LegMerchant,
		Amount:         moltpay.MustAmount(amount),
		Currency:       "USDC",
		From:           testAddress,
		To:             testMerchant,
		Network:        "polygon",
	}
}

func TestTransferCalldata(t *testing.T) {
	data := TransferCalldata(common.HexToAddress(testMerchant), big.NewInt(45_000_000))

	require.Len(t, data, 68)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])
	assert.Equal(t, common.HexToAddress(testMerchant).Bytes(), data[16:36])
	assert.Equal(t, int64(45_000_000), new(big.Int).SetBytes(data[36:]).Int64())
}

func TestERC20Transferer(t *testing.T) {
	ctx := context.Background()

	t.Run("SubmitsSignedTokenTransfer", func(t *testing.T) {
		backend := newFakeBackend()
		backend.pendingPolls = 2
		tr := newTestTransferer(t, backend)

		result, err := tr.SubmitTransfer(ctx, transferRequest("p1:merchant", "45.00"))
		require.NoError(t, err)

		sent := backend.Sent()
		require.Len(t, sent, 1)
		tx := sent[0]
		assert.Equal(t, tx.Hash().Hex(), result.ConfirmationID)
		assert.Equal(t, "4242", result.NetworkConfirmationID)
		assert.Equal(t, USDCPolygon().Token, *tx.To())
		assert.Equal(t, DefaultGasLimit, tx.Gas())

		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
		require.NoError(t, err)
		assert.Equal(t, testAddress, from.Hex())

		assert.Equal(t, int64(45_000_000), new(big.Int).SetBytes(tx.Data()[36:]).Int64())
	})

	t.Run("SequentialTransfersUseFreshNonces", func(t *testing.T) {
		backend := newFakeBackend()
		tr := newTestTransferer(t, backend)

		_, err := tr.SubmitTransfer(ctx, transferRequest("p2:merchant", "10.00"))
		require.NoError(t, err)
		req := transferRequest("p2:fee", "0.10")
		req.Leg = moltpay.LegTreasuryFee
		_, err = tr.SubmitTransfer(ctx, req)
		require.NoError(t, err)

		sent := backend.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(0), sent[0].Nonce())
		assert.Equal(t, uint64(1), sent[1].Nonce())
	})

	t.Run("RefusesDuplicateIdempotencyKey", func(t *testing.T) {
		backend := newFakeBackend()
		tr := newTestTransferer(t, backend)

		_, err := tr.SubmitTransfer(ctx, transferRequest("p3:merchant", "1.00"))
		require.NoError(t, err)
		_, err = tr.SubmitTransfer(ctx, transferRequest("p3:merchant", "1.00"))
		assert.ErrorIs(t, err, moltpay.ErrDuplicateSubmission)
		assert.Len(t, backend.Sent(), 1)
	})

	t.Run("RevertedTransaction", func(t *testing.T) {
		backend := newFakeBackend()
		backend.status = types.ReceiptStatusFailed
		tr := newTestTransferer(t, backend)

		_, err := tr.SubmitTransfer(ctx, transferRequest("p4:merchant", "1.00"))
		assert.ErrorIs(t, err, ErrTransactionReverted)
	})

	t.Run("BroadcastFailure", func(t *testing.T) {
		backend := newFakeBackend()
		backend.sendErr = errors.New("insufficient funds for gas")
		tr := newTestTransferer(t, backend)

		_, err := tr.SubmitTransfer(ctx, transferRequest("p5:merchant", "1.00"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient funds")
	})

	t.Run("ConfirmationTimeout", func(t *testing.T) {
		backend := newFakeBackend()
		backend.pendingPolls = 1 << 30
		signer, err := FromPrivateKey(testPrivateKey)
		require.NoError(t, err)
		tr, err := NewERC20Transferer(backend, signer, TransfererConfig{
			Network:        USDCPolygon(),
			PollInterval:   time.Millisecond,
			ConfirmTimeout: 20 * time.Millisecond,
		})
		require.NoError(t, err)

		_, err = tr.SubmitTransfer(ctx, transferRequest("p6:merchant", "1.00"))
		assert.ErrorIs(t, err, ErrNotConfirmed)
	})

	t.Run("RejectsForeignNetworkAndPayer", func(t *testing.T) {
		backend := newFakeBackend()
		tr := newTestTransferer(t, backend)

		req := transferRequest("p7:merchant", "1.00")
		req.Network = "base"
		_, err := tr.SubmitTransfer(ctx, req)
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)

		req = transferRequest("p8:merchant", "1.00")
		req.From = testMerchant
		_, err = tr.SubmitTransfer(ctx, req)
		assert.ErrorIs(t, err, ErrPayerMismatch)

		assert.Empty(t, backend.Sent())
	})

	t.Run("RejectsSubUnitAmount", func(t *testing.T) {
		backend := newFakeBackend()
		tr := newTestTransferer(t, backend)

		req := transferRequest("p9:merchant", "1.00")
		req.Amount = moltpay.MustAmount("0.0000001")
		_, err := tr.SubmitTransfer(ctx, req)
		assert.Error(t, err)
		assert.Empty(t, backend.Sent())
	})
}
