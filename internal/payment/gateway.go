package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChargeRequest asks the gateway to open a checkout for one payment
type ChargeRequest struct {
	Reference     string
	Amount        float64
	Currency      string
	CustomerEmail string
	CustomerName  string
	CallbackURL   string
	Metadata      map[string]string
}

// ChargeResponse carries the hosted checkout the rider completes
type ChargeResponse struct {
	CheckoutURL string
	// GatewayTxnID is the gateway-side id for later queries, when the
	// gateway assigns one at initialization
	GatewayTxnID string
}

// Transaction is the gateway's view of one charge
type Transaction struct {
	Reference     string
	TransactionID string
	Status        string // "success", "failed", "pending"
	Amount        float64
	Currency      string
	FailureReason string
	PaidAt        *time.Time
}

// Gateway abstracts the payment provider
type Gateway interface {
	InitializeCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error)
	// VerifyCharge queries the gateway for the authoritative charge state
	VerifyCharge(ctx context.Context, reference string) (*Transaction, error)
	// ListTransactions returns the gateway's charges for one day
	// (date formatted YYYY-MM-DD), used by reconciliation
	ListTransactions(ctx context.Context, date string) ([]*Transaction, error)
	Name() string
}

// NewGatewayReference generates the unique reference attached to a charge
func NewGatewayReference() string {
	return "RBP-" + uuid.New().String()
}

// MockGateway is an in-memory Gateway for development and tests. Charges
// succeed unless FailNext is set.
type MockGateway struct {
	mu       sync.Mutex
	charges  map[string]*Transaction
	FailNext bool
}

var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates an empty mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{charges: make(map[string]*Transaction)}
}

func (g *MockGateway) InitializeCharge(_ context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailNext {
		g.FailNext = false
		return nil, fmt.Errorf("mock gateway: %w", ErrGatewayUnavailable)
	}

	txnID := "mock_txn_" + uuid.New().String()[:8]
	g.charges[req.Reference] = &Transaction{
		Reference:     req.Reference,
		TransactionID: txnID,
		Status:        "pending",
		Amount:        req.Amount,
		Currency:      req.Currency,
	}
	return &ChargeResponse{
		CheckoutURL:  "https://checkout.mock.local/" + req.Reference,
		GatewayTxnID: txnID,
	}, nil
}

func (g *MockGateway) VerifyCharge(_ context.Context, reference string) (*Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	txn, ok := g.charges[reference]
	if !ok {
		return nil, fmt.Errorf("mock gateway: charge %s not found", reference)
	}
	clone := *txn
	return &clone, nil
}

func (g *MockGateway) ListTransactions(_ context.Context, date string) ([]*Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Transaction
	for _, txn := range g.charges {
		if txn.PaidAt == nil || strings.HasPrefix(txn.PaidAt.UTC().Format("2006-01-02"), date) {
			clone := *txn
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (g *MockGateway) Name() string { return "mock" }

// Settle marks a mock charge as succeeded or failed, for tests that drive
// the webhook path
func (g *MockGateway) Settle(reference, status, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if txn, ok := g.charges[reference]; ok {
		txn.Status = status
		txn.FailureReason = reason
		now := time.Now().UTC()
		txn.PaidAt = &now
	}
}
