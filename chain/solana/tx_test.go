package solana_test

import (
	"bytes"
	"testing"

	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/chain/solana"
	"github.com/xraph/flash/types"
)

func TestShortVec(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}

	for _, tt := range tests {
		got := solana.AppendShortVec(nil, tt.n)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendShortVec(%d) = %x, want %x", tt.n, got, tt.want)
		}
		n, read, err := solana.ReadShortVec(got)
		if err != nil || n != tt.n || read != len(tt.want) {
			t.Errorf("ReadShortVec(%x) = %d, %d, %v", got, n, read, err)
		}
	}
}

func TestCompileMessageOrdering(t *testing.T) {
	addr := func(b byte) types.Address {
		var a types.Address
		a[0] = b
		a[31] = 1
		return a
	}
	payer, signerRO, writable, readonly, program := addr(1), addr(2), addr(3), addr(4), addr(5)

	ixs := []chain.Instruction{
		{
			Program: program,
			Accounts: []chain.AccountMeta{
				{Address: readonly},
				{Address: writable, Writable: true},
				{Address: signerRO, Signer: true},
				{Address: payer, Signer: true, Writable: true},
			},
			Data: []byte{9},
		},
	}

	msg, err := solana.CompileMessage(payer, ixs, [32]byte{})
	if err != nil {
		t.Fatal(err)
	}

	want := []types.Address{payer, signerRO, writable, readonly, program}
	for i, w := range want {
		if msg.AccountKeys[i] != w {
			t.Errorf("key %d = %x, want %x", i, msg.AccountKeys[i][0], w[0])
		}
	}
	if msg.NumRequiredSignatures != 2 || msg.NumReadonlySignedAccounts != 1 || msg.NumReadonlyUnsignedAccounts != 2 {
		t.Errorf("header = %d/%d/%d", msg.NumRequiredSignatures, msg.NumReadonlySignedAccounts, msg.NumReadonlyUnsignedAccounts)
	}

	ci := msg.Instructions[0]
	if ci.ProgramIDIndex != 4 || !bytes.Equal(ci.Accounts, []byte{3, 2, 1, 0}) {
		t.Errorf("compiled instruction = %+v", ci)
	}

	raw := msg.Serialize()
	if raw[0] != 2 || raw[1] != 1 || raw[2] != 2 || raw[3] != 5 {
		t.Errorf("serialized prefix = %v", raw[:4])
	}
	// header(3) + count(1) + keys(5*32) + blockhash(32) + ix count(1) +
	// program idx(1) + accounts(1+4) + data(1+1)
	if want := 3 + 1 + 160 + 32 + 1 + 1 + 5 + 2; len(raw) != want {
		t.Errorf("serialized length = %d, want %d", len(raw), want)
	}
}
