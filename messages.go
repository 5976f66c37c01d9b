package flash

import "context"

// MessageType names a session transport message.
type MessageType string

const (
	// MsgSettlementSignature is sent by the agent with its approval.
	MsgSettlementSignature MessageType = "settlement_signature"

	// MsgError reports a session-level error to the agent.
	MsgError MessageType = "error"
	// MsgRequestSignature asks the agent to approve {amount, nonce}.
	MsgRequestSignature MessageType = "request_signature"
	// MsgSettlementConfirmed reports a finalized settlement.
	MsgSettlementConfirmed MessageType = "settlement_confirmed"
	// MsgSettlementFailed reports a settlement that was not committed.
	MsgSettlementFailed MessageType = "settlement_failed"
)

// Message is the JSON envelope exchanged with agents. Signature is
// base64 encoded on the wire.
type Message struct {
	Type          MessageType `json:"type"`
	Message       string      `json:"message,omitempty"`
	Amount        uint64      `json:"amount,omitempty"`
	Nonce         uint64      `json:"nonce,omitempty"`
	Signature     []byte      `json:"signature,omitempty"`
	TxID          string      `json:"txId,omitempty"`
	AmountSettled uint64      `json:"amountSettled,omitempty"`
}

// Conn delivers server messages to a connected agent. Send must not call
// back into the Facilitator synchronously.
type Conn interface {
	Send(ctx context.Context, m Message) error
}

// ConnFunc adapts a function to Conn.
type ConnFunc func(ctx context.Context, m Message) error

// Send implements Conn.
func (f ConnFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

func errorMessage(err error) Message {
	return Message{Type: MsgError, Message: err.Error()}
}

func requestSignatureMessage(amount, nonce uint64) Message {
	return Message{Type: MsgRequestSignature, Amount: amount, Nonce: nonce}
}

func confirmedMessage(txID string, amount uint64) Message {
	return Message{Type: MsgSettlementConfirmed, TxID: txID, AmountSettled: amount}
}

func failedMessage(err error) Message {
	return Message{Type: MsgSettlementFailed, Message: err.Error()}
}
