package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/feeoracle"
	"github.com/xraph/flash/types"
)

// Defaults for DirectBackend.
const (
	DefaultMaxSendAttempts = 3
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultRetryDelay      = 250 * time.Millisecond
)

// ErrSendFailed wraps the last error after every send attempt failed.
var ErrSendFailed = errors.New("settlement: send attempts exhausted")

// DirectBackend settles by submitting the bundle straight to the ledger.
type DirectBackend struct {
	ledger         chain.Ledger
	feePayer       types.Address
	cuLimit        uint32
	maxAttempts    int
	confirmTimeout time.Duration
	retryDelay     time.Duration
	logger         *slog.Logger
}

// DirectOption configures a DirectBackend.
type DirectOption func(*DirectBackend)

// WithMaxSendAttempts bounds send attempts per settlement.
func WithMaxSendAttempts(n int) DirectOption {
	return func(d *DirectBackend) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithConfirmTimeout bounds the single confirmation wait.
func WithConfirmTimeout(t time.Duration) DirectOption {
	return func(d *DirectBackend) {
		if t > 0 {
			d.confirmTimeout = t
		}
	}
}

// WithRetryDelay sets the base delay between send attempts. The n-th retry
// waits n times the base.
func WithRetryDelay(t time.Duration) DirectOption {
	return func(d *DirectBackend) { d.retryDelay = t }
}

// WithComputeUnitLimit sets the bundle compute budget.
func WithComputeUnitLimit(units uint32) DirectOption {
	return func(d *DirectBackend) { d.cuLimit = units }
}

// WithDirectLogger sets the logger.
func WithDirectLogger(l *slog.Logger) DirectOption {
	return func(d *DirectBackend) { d.logger = l }
}

// NewDirectBackend creates a backend paying fees from feePayer.
func NewDirectBackend(ledger chain.Ledger, feePayer types.Address, opts ...DirectOption) *DirectBackend {
	d := &DirectBackend{
		ledger:         ledger,
		feePayer:       feePayer,
		cuLimit:        chain.DefaultComputeUnitLimit,
		maxAttempts:    DefaultMaxSendAttempts,
		confirmTimeout: DefaultConfirmTimeout,
		retryDelay:     DefaultRetryDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Settle implements Backend.
func (d *DirectBackend) Settle(ctx context.Context, req *Request, bid feeoracle.Bid) (*Receipt, error) {
	bundle, err := chain.BuildSettlementBundle(chain.SettlementParams{
		ProgramID:        d.ledger.ProgramID(),
		FeePayer:         d.feePayer,
		Vault:            req.Vault,
		Provider:         req.Provider,
		Request:          req.Authorization,
		Signature:        req.Signature,
		ComputeUnitLimit: d.cuLimit,
		Bid:              bid.MicroLamportsPerCU,
	})
	if err != nil {
		// A request the program could never accept.
		return nil, chain.Reject(chain.IxSettleBatch, err)
	}

	receipt := &Receipt{}
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		receipt.Attempts = attempt

		txID, sendErr := d.ledger.SendBundle(ctx, bundle)
		if sendErr == nil {
			receipt.TxID = txID
			lastErr = nil
			break
		}
		lastErr = sendErr
		if chain.IsProgramError(sendErr) || ctx.Err() != nil {
			return receipt, sendErr
		}

		d.logger.Debug("settlement send failed",
			"agent", req.Agent.String(),
			"attempt", attempt,
			"error", sendErr,
		)
		if attempt < d.maxAttempts && !sleep(ctx, d.retryDelay*time.Duration(attempt)) {
			return receipt, ctx.Err()
		}
	}
	if lastErr != nil {
		return receipt, fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, receipt.Attempts, lastErr)
	}

	cctx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	if err := d.ledger.Confirm(cctx, receipt.TxID); err != nil {
		return receipt, fmt.Errorf("settlement: confirm %s: %w", receipt.TxID, err)
	}
	return receipt, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
