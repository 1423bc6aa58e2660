package ticketing

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/davidx345/openride-backend-sub002/pkg/config"
)

// anchorGasLimit covers a zero-value self-send carrying a 32-byte payload
const anchorGasLimit = 100_000

// AnchorReceipt is the observed on-chain state of an anchor transaction
type AnchorReceipt struct {
	Confirmations uint64
	BlockNumber   uint64
	GasCost       string // wei
}

// ChainAnchor submits Merkle roots to a chain and reports their confirmation
// depth
type ChainAnchor interface {
	SubmitRoot(ctx context.Context, rootHex string) (txHash string, err error)
	Status(ctx context.Context, txHash string) (*AnchorReceipt, error)
	ChainID() int64
}

// EthAnchor anchors roots as calldata on a zero-value self-send, signed with
// the ticketing service key
type EthAnchor struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

var _ ChainAnchor = (*EthAnchor)(nil)

// NewEthAnchor dials the configured RPC endpoint
func NewEthAnchor(cfg config.ChainConfig, key *ecdsa.PrivateKey) (*EthAnchor, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return &EthAnchor{
		client:  client,
		key:     key,
		chainID: big.NewInt(cfg.ChainID),
	}, nil
}

func (a *EthAnchor) ChainID() int64 {
	return a.chainID.Int64()
}

func (a *EthAnchor) SubmitRoot(ctx context.Context, rootHex string) (string, error) {
	data, err := hex.DecodeString(rootHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode merkle root: %w", err)
	}

	from := crypto.PubkeyToAddress(a.key.PublicKey)
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &from,
		Value:    big.NewInt(0),
		Gas:      anchorGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign anchor transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to submit anchor transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (a *EthAnchor) Status(ctx context.Context, txHash string) (*AnchorReceipt, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(trimHexPrefix(txHash))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	copy(hash[:], raw)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head block: %w", err)
	}

	out := &AnchorReceipt{BlockNumber: receipt.BlockNumber.Uint64()}
	if head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber + 1
	}
	if receipt.EffectiveGasPrice != nil {
		cost := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		out.GasCost = cost.String()
	}
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// MockAnchor is an in-memory ChainAnchor for tests. Confirmations advance by
// one on every Status call, simulating block production.
type MockAnchor struct {
	mu       sync.Mutex
	next     int
	confs    map[string]uint64
	roots    map[string]string
	FailNext bool
}

var _ ChainAnchor = (*MockAnchor)(nil)

func NewMockAnchor() *MockAnchor {
	return &MockAnchor{
		confs: make(map[string]uint64),
		roots: make(map[string]string),
	}
}

func (m *MockAnchor) ChainID() int64 { return 1337 }

func (m *MockAnchor) SubmitRoot(_ context.Context, rootHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return "", fmt.Errorf("rpc unavailable")
	}
	m.next++
	txHash := fmt.Sprintf("0x%064x", m.next)
	m.confs[txHash] = 0
	m.roots[txHash] = rootHex
	return txHash, nil
}

func (m *MockAnchor) Status(_ context.Context, txHash string) (*AnchorReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	confs, ok := m.confs[txHash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", txHash)
	}
	m.confs[txHash] = confs + 1
	return &AnchorReceipt{
		Confirmations: confs + 1,
		BlockNumber:   100 + uint64(m.next),
		GasCost:       "21000000000000",
	}, nil
}

// SubmittedRoot returns the root recorded for txHash, for test assertions
func (m *MockAnchor) SubmittedRoot(txHash string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots[txHash]
}

// Advance jumps the confirmation count for txHash
func (m *MockAnchor) Advance(txHash string, confs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confs[txHash] = confs
}
