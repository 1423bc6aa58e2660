package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway implements Gateway on Stripe hosted checkout
type StripeGateway struct {
	successURL string
	cancelURL  string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway configures the Stripe client. callbackURL receives the
// rider after checkout.
func NewStripeGateway(secretKey, callbackURL string) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &StripeGateway{
		successURL: callbackURL + "?result=success",
		cancelURL:  callbackURL + "?result=cancelled",
	}, nil
}

func (g *StripeGateway) InitializeCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(int64(req.Amount * 100)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Ride booking " + req.Reference),
					},
				},
			},
		},
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Metadata = map[string]string{"gateway_reference": req.Reference}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &ChargeResponse{
		CheckoutURL:  sess.URL,
		GatewayTxnID: sess.ID,
	}, nil
}

func (g *StripeGateway) VerifyCharge(ctx context.Context, reference string) (*Transaction, error) {
	params := &stripe.CheckoutSessionListParams{}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "1")
	params.Filters.AddFilter("client_reference_id", "", reference)

	iter := session.List(params)
	for iter.Next() {
		return stripeSessionToTransaction(reference, iter.CheckoutSession()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to query checkout session: %w", err)
	}
	return nil, fmt.Errorf("stripe: charge %s not found", reference)
}

func (g *StripeGateway) ListTransactions(ctx context.Context, date string) ([]*Transaction, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("invalid reconciliation date %q: %w", date, err)
	}

	params := &stripe.PaymentIntentListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: day.Unix(),
			LesserThan:         day.Add(24 * time.Hour).Unix(),
		},
	}
	params.Context = ctx

	var out []*Transaction
	iter := paymentintent.List(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		txn := &Transaction{
			Reference:     pi.Metadata["gateway_reference"],
			TransactionID: pi.ID,
			Amount:        float64(pi.Amount) / 100,
			Currency:      string(pi.Currency),
		}
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			txn.Status = "success"
			paidAt := time.Unix(pi.Created, 0).UTC()
			txn.PaidAt = &paidAt
		case stripe.PaymentIntentStatusCanceled:
			txn.Status = "failed"
			txn.FailureReason = string(pi.CancellationReason)
		default:
			txn.Status = "pending"
		}
		out = append(out, txn)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	return out, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

func stripeSessionToTransaction(reference string, sess *stripe.CheckoutSession) *Transaction {
	txn := &Transaction{
		Reference:     reference,
		TransactionID: sess.ID,
		Amount:        float64(sess.AmountTotal) / 100,
		Currency:      string(sess.Currency),
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		txn.Status = "success"
		paidAt := time.Unix(sess.Created, 0).UTC()
		txn.PaidAt = &paidAt
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		txn.Status = "pending"
	default:
		txn.Status = "pending"
	}
	if sess.Status == stripe.CheckoutSessionStatusExpired {
		txn.Status = "failed"
		txn.FailureReason = "checkout_expired"
	}
	return txn
}
