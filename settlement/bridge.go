package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/feeoracle"
)

// ErrEmptyConfirmation is returned when the bridge accepts a settlement
// without a confirmation id.
var ErrEmptyConfirmation = errors.New("settlement: bridge returned no confirmation id")

// BridgeBackend settles bridged providers by posting the signed tuple to a
// bridge service, which performs the transfer and returns its own
// confirmation id.
type BridgeBackend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// BridgeOption configures a BridgeBackend.
type BridgeOption func(*BridgeBackend)

// WithBridgeHTTPClient sets the HTTP client.
func WithBridgeHTTPClient(c *http.Client) BridgeOption {
	return func(b *BridgeBackend) { b.client = c }
}

// WithBridgeAPIKey sends key as a bearer token.
func WithBridgeAPIKey(key string) BridgeOption {
	return func(b *BridgeBackend) { b.apiKey = key }
}

// NewBridgeBackend creates a backend posting to endpoint.
func NewBridgeBackend(endpoint string, opts ...BridgeOption) *BridgeBackend {
	b := &BridgeBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultConfirmTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type bridgeRequest struct {
	Agent      string `json:"agent"`
	Vault      string `json:"vault"`
	Provider   string `json:"provider"`
	MerchantID string `json:"merchantId,omitempty"`
	Amount     uint64 `json:"amount"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
	Bid        uint64 `json:"bid"`
}

type bridgeResponse struct {
	ConfirmationID string `json:"confirmationId"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
}

// Settle implements Backend.
func (b *BridgeBackend) Settle(ctx context.Context, req *Request, bid feeoracle.Bid) (*Receipt, error) {
	body, err := json.Marshal(bridgeRequest{
		Agent:      req.Agent.String(),
		Vault:      req.Vault.Address.String(),
		Provider:   req.Provider.Address.String(),
		MerchantID: req.Provider.MerchantID,
		Amount:     req.Authorization.Amount,
		Nonce:      req.Authorization.Nonce,
		Signature:  base64.StdEncoding.EncodeToString(req.Signature),
		Bid:        bid.MicroLamportsPerCU,
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: bridge encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("settlement: bridge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settlement: bridge: %w", err)
	}
	defer resp.Body.Close()

	var out bridgeResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &out) //nolint:errcheck // status code decides; body is best-effort detail

	receipt := &Receipt{Attempts: 1}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return receipt, bridgeRejection(out)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return receipt, fmt.Errorf("settlement: bridge status %d after %s: %s", resp.StatusCode, time.Since(start).Truncate(time.Millisecond), out.Message)
	case out.ConfirmationID == "":
		return receipt, ErrEmptyConfirmation
	}

	receipt.TxID = out.ConfirmationID
	return receipt, nil
}

func bridgeRejection(out bridgeResponse) error {
	switch out.Reason {
	case "insufficient_funds":
		return chain.Reject(chain.IxSettleBatch, chain.ErrInsufficientFunds)
	case "bad_signature":
		return chain.Reject(chain.IxSettleBatch, chain.ErrBadSignature)
	case "nonce_mismatch":
		return chain.Reject(chain.IxSettleBatch, chain.ErrNonceMismatch)
	default:
		return fmt.Errorf("settlement: bridge rejected settlement: %s %s", out.Reason, out.Message)
	}
}
