// Package solana implements chain.Ledger against a Solana JSON-RPC
// endpoint. It reads vault and provider accounts, serializes and signs
// legacy transactions with the facilitator's fee-payer key, and polls
// signature statuses for confirmation.
package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/types"
)

// Commitment levels.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Custom program error codes of the escrow program. Anchor numbers user
// errors from 6000 in declaration order.
const (
	codeInsufficientFunds = 6000
	codeBadSignature      = 6001
	codeNonceMismatch     = 6002
	codeUnauthorized      = 6003
)

var (
	_ chain.Ledger = (*Client)(nil)

	ErrNoSigner = errors.New("solana: client has no fee-payer signer")
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("solana: rpc error %d: %s", e.Code, e.Message)
}

// Client is a Solana RPC client bound to one escrow program.
type Client struct {
	endpoint     string
	http         *http.Client
	programID    types.Address
	signer       chain.Signer
	commitment   string
	pollInterval time.Duration
	logger       *slog.Logger
	reqID        atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithProgramID sets the escrow program address.
func WithProgramID(id types.Address) Option {
	return func(cl *Client) { cl.programID = id }
}

// WithSigner sets the fee-payer signer used by SendBundle.
func WithSigner(s chain.Signer) Option {
	return func(cl *Client) { cl.signer = s }
}

// WithCommitment sets the commitment level for reads and confirmation.
func WithCommitment(c string) Option {
	return func(cl *Client) { cl.commitment = c }
}

// WithPollInterval sets how often Confirm polls signature statuses.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		http:         &http.Client{Timeout: 15 * time.Second},
		programID:    chain.DefaultEscrowProgramID,
		commitment:   CommitmentConfirmed,
		pollInterval: 500 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProgramID implements chain.Ledger.
func (c *Client) ProgramID() types.Address { return c.programID }

// FeePayer returns the signer's address, or the zero address when the
// client is read-only.
func (c *Client) FeePayer() types.Address {
	if c.signer == nil {
		return types.ZeroAddress
	}
	return c.signer.PublicKey()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, result any, params ...any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("solana: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("solana: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("solana: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("solana: %s: read: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solana: %s: status %d", method, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("solana: %s: decode: %w", method, err)
	}
	if out.Error != nil {
		return out.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("solana: %s: decode result: %w", method, err)
	}
	return nil
}

type accountInfo struct {
	Value *struct {
		Data  []string `json:"data"`
		Owner string   `json:"owner"`
	} `json:"value"`
}

// AccountData fetches the raw data of addr. Returns chain.ErrAccountNotFound
// when the account does not exist.
func (c *Client) AccountData(ctx context.Context, addr types.Address) ([]byte, types.Address, error) {
	var info accountInfo
	err := c.call(ctx, "getAccountInfo", &info, addr.String(), map[string]any{
		"encoding":   "base64",
		"commitment": c.commitment,
	})
	if err != nil {
		return nil, types.ZeroAddress, err
	}
	if info.Value == nil {
		return nil, types.ZeroAddress, fmt.Errorf("%w: %s", chain.ErrAccountNotFound, addr)
	}
	if len(info.Value.Data) == 0 {
		return nil, types.ZeroAddress, fmt.Errorf("%w: empty data for %s", chain.ErrInvalidAccountData, addr)
	}

	data, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return nil, types.ZeroAddress, fmt.Errorf("%w: %v", chain.ErrInvalidAccountData, err)
	}
	owner, err := types.ParseAddress(info.Value.Owner)
	if err != nil {
		return nil, types.ZeroAddress, fmt.Errorf("%w: owner: %v", chain.ErrInvalidAccountData, err)
	}
	return data, owner, nil
}

// Vault implements chain.Ledger.
func (c *Client) Vault(ctx context.Context, addr types.Address) (*chain.Vault, error) {
	data, owner, err := c.AccountData(ctx, addr)
	if err != nil {
		return nil, err
	}
	if owner != c.programID {
		return nil, fmt.Errorf("%w: vault %s not owned by program", chain.ErrInvalidAccountData, addr)
	}
	return chain.DecodeVault(addr, data)
}

// Provider implements chain.Ledger.
func (c *Client) Provider(ctx context.Context, addr types.Address) (*chain.Provider, error) {
	data, owner, err := c.AccountData(ctx, addr)
	if err != nil {
		return nil, err
	}
	if owner != c.programID {
		return nil, fmt.Errorf("%w: provider %s not owned by program", chain.ErrInvalidAccountData, addr)
	}
	return chain.DecodeProvider(addr, data)
}

// LatestBlockhash returns the most recent blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var out struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	var hash [32]byte
	if err := c.call(ctx, "getLatestBlockhash", &out, map[string]any{"commitment": c.commitment}); err != nil {
		return hash, err
	}
	raw, err := base58.Decode(out.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return hash, fmt.Errorf("solana: malformed blockhash %q", out.Value.Blockhash)
	}
	copy(hash[:], raw)
	return hash, nil
}

// SendBundle implements chain.Ledger. The client's signer pays the fee.
func (c *Client) SendBundle(ctx context.Context, b *chain.Bundle) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	if b.FeePayer != c.signer.PublicKey() {
		return "", fmt.Errorf("solana: bundle fee payer %s is not the client signer", b.FeePayer)
	}
	return c.SendInstructions(ctx, b.Instructions, c.signer)
}

// SendInstructions compiles ixs into one transaction paid by the first
// signer, signs it with every signer and submits it.
func (c *Client) SendInstructions(ctx context.Context, ixs []chain.Instruction, signers ...chain.Signer) (string, error) {
	if len(signers) == 0 {
		return "", ErrNoSigner
	}

	hash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	msg, err := CompileMessage(signers[0].PublicKey(), ixs, hash)
	if err != nil {
		return "", err
	}
	tx, sigs, err := SignTransaction(msg, signers...)
	if err != nil {
		return "", err
	}

	var txID string
	err = c.call(ctx, "sendTransaction", &txID, base64.StdEncoding.EncodeToString(tx), map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	})
	if err != nil {
		return "", classify(err)
	}
	if want := base58.Encode(sigs[0]); txID != want {
		c.logger.Warn("solana: node returned unexpected signature", "got", txID, "want", want)
	}
	return txID, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirm implements chain.Ledger. It polls until the transaction reaches
// the client's commitment, fails, or ctx ends.
func (c *Client) Confirm(ctx context.Context, txID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var out struct {
			Value []*signatureStatus `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", &out, []string{txID}, map[string]any{
			"searchTransactionHistory": true,
		})
		if err != nil {
			return err
		}

		if len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if len(st.Err) > 0 && string(st.Err) != "null" {
				return classifyTxError(st.Err)
			}
			if reached(st.ConfirmationStatus, c.commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("solana: confirm %s: %w", txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RecentFees implements feeoracle.FeeSource for fees paid on transactions
// that touched the escrow program.
func (c *Client) RecentFees(ctx context.Context) ([]uint64, error) {
	var out []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, "getRecentPrioritizationFees", &out, []string{c.programID.String()}); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(out))
	for _, f := range out {
		fees = append(fees, f.PrioritizationFee)
	}
	return fees, nil
}

func reached(status, commitment string) bool {
	switch commitment {
	case CommitmentFinalized:
		return status == CommitmentFinalized
	default:
		return status == CommitmentConfirmed || status == CommitmentFinalized
	}
}

// classify turns a preflight failure carrying a custom program error into
// a *chain.ProgramError.
func classify(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || len(rpcErr.Data) == 0 {
		return err
	}
	var data struct {
		Err json.RawMessage `json:"err"`
	}
	if json.Unmarshal(rpcErr.Data, &data) != nil || len(data.Err) == 0 {
		return err
	}
	if perr := classifyTxError(data.Err); chain.IsProgramError(perr) {
		return perr
	}
	return err
}

// classifyTxError decodes {"InstructionError":[idx,{"Custom":code}]}.
func classifyTxError(raw json.RawMessage) error {
	var txErr struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(raw, &txErr); err == nil && len(txErr.InstructionError) == 2 {
		var custom struct {
			Custom *int `json:"Custom"`
		}
		if json.Unmarshal(txErr.InstructionError[1], &custom) == nil && custom.Custom != nil {
			switch *custom.Custom {
			case codeInsufficientFunds:
				return chain.Reject(chain.IxSettleBatch, chain.ErrInsufficientFunds)
			case codeBadSignature:
				return chain.Reject(chain.IxSettleBatch, chain.ErrBadSignature)
			case codeNonceMismatch:
				return chain.Reject(chain.IxSettleBatch, chain.ErrNonceMismatch)
			case codeUnauthorized:
				return chain.Reject(chain.IxSettleBatch, chain.ErrUnauthorized)
			}
		}
	}
	return fmt.Errorf("solana: transaction failed: %s", raw)
}
