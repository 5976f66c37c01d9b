package solana

import (
	"errors"
	"fmt"
	"slices"

	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/types"
)

// ErrTooManyAccounts is returned when a message references more than 256
// accounts.
var ErrTooManyAccounts = errors.New("solana: too many accounts in message")

// Message is a compiled legacy transaction message.
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []types.Address
	RecentBlockhash             [32]byte
	Instructions                []CompiledInstruction
}

// CompiledInstruction references accounts by index into AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

type accountFlags struct {
	signer   bool
	writable bool
	order    int
}

// CompileMessage orders accounts as the runtime requires: fee payer first,
// then writable signers, readonly signers, writable non-signers and
// readonly non-signers, each group in first-seen order.
func CompileMessage(feePayer types.Address, ixs []chain.Instruction, blockhash [32]byte) (*Message, error) {
	flags := map[types.Address]*accountFlags{
		feePayer: {signer: true, writable: true, order: 0},
	}
	next := 1
	touch := func(addr types.Address, signer, writable bool) {
		f, ok := flags[addr]
		if !ok {
			f = &accountFlags{order: next}
			next++
			flags[addr] = f
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			touch(a.Address, a.Signer, a.Writable)
		}
		touch(ix.Program, false, false)
	}
	if len(flags) > 256 {
		return nil, ErrTooManyAccounts
	}

	keys := make([]types.Address, 0, len(flags))
	for addr := range flags {
		keys = append(keys, addr)
	}
	group := func(f *accountFlags) int {
		switch {
		case f.signer && f.writable:
			return 0
		case f.signer:
			return 1
		case f.writable:
			return 2
		default:
			return 3
		}
	}
	slices.SortFunc(keys, func(a, b types.Address) int {
		fa, fb := flags[a], flags[b]
		if ga, gb := group(fa), group(fb); ga != gb {
			return ga - gb
		}
		return fa.order - fb.order
	})

	msg := &Message{AccountKeys: keys, RecentBlockhash: blockhash}
	index := make(map[types.Address]uint8, len(keys))
	for i, k := range keys {
		index[k] = uint8(i)
		f := flags[k]
		if f.signer {
			msg.NumRequiredSignatures++
			if !f.writable {
				msg.NumReadonlySignedAccounts++
			}
		} else if !f.writable {
			msg.NumReadonlyUnsignedAccounts++
		}
	}

	for _, ix := range ixs {
		ci := CompiledInstruction{ProgramIDIndex: index[ix.Program], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[a.Address])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Signers returns the addresses that must sign, in signature order.
func (m *Message) Signers() []types.Address {
	return m.AccountKeys[:m.NumRequiredSignatures]
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() []byte {
	buf := []byte{m.NumRequiredSignatures, m.NumReadonlySignedAccounts, m.NumReadonlyUnsignedAccounts}
	buf = AppendShortVec(buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = AppendShortVec(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = AppendShortVec(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = AppendShortVec(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// SignTransaction compiles and signs a transaction. Every required signer
// must be present in signers.
func SignTransaction(msg *Message, signers ...chain.Signer) ([]byte, [][]byte, error) {
	body := msg.Serialize()
	bySigner := make(map[types.Address]chain.Signer, len(signers))
	for _, s := range signers {
		bySigner[s.PublicKey()] = s
	}

	sigs := make([][]byte, 0, msg.NumRequiredSignatures)
	for _, addr := range msg.Signers() {
		s, ok := bySigner[addr]
		if !ok {
			return nil, nil, fmt.Errorf("solana: missing signer %s", addr)
		}
		sig, err := s.Sign(body)
		if err != nil {
			return nil, nil, fmt.Errorf("solana: sign: %w", err)
		}
		sigs = append(sigs, sig)
	}

	tx := AppendShortVec(nil, len(sigs))
	for _, sig := range sigs {
		tx = append(tx, sig...)
	}
	tx = append(tx, body...)
	return tx, sigs, nil
}

// AppendShortVec appends n in the compact-u16 encoding.
func AppendShortVec(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// ReadShortVec decodes a compact-u16 and returns the value and bytes read.
func ReadShortVec(buf []byte) (int, int, error) {
	var v, shift int
	for i := 0; i < 3 && i < len(buf); i++ {
		b := buf[i]
		v |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("solana: malformed compact-u16")
}
