package chain_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/types"
)

func mustKey(t *testing.T) (types.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return types.AddressFromPublicKey(pub), priv
}

func TestDiscriminators(t *testing.T) {
	tests := []struct {
		name string
		got  [8]byte
		want string
	}{
		{"settle_batch", chain.Discriminator(chain.IxSettleBatch), "160215dfe17aa3d6"},
		{"create_vault", chain.Discriminator(chain.IxCreateVault), "1dedf7d0c1523687"},
		{"Vault", chain.AccountDiscriminator("Vault"), "d308e82b02987577"},
		{"Provider", chain.AccountDiscriminator("Provider"), "a4b447114bd850c3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hex.EncodeToString(tt.got[:]); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeBudgetEncoding(t *testing.T) {
	limit := chain.SetComputeUnitLimit(200_000)
	if limit.Program != chain.ComputeBudgetProgramID {
		t.Error("limit: wrong program")
	}
	if want := []byte{0x02, 0x40, 0x0d, 0x03, 0x00}; !bytes.Equal(limit.Data, want) {
		t.Errorf("limit data = %x, want %x", limit.Data, want)
	}

	price := chain.SetComputeUnitPrice(1000)
	if want := []byte{0x03, 0xe8, 0x03, 0, 0, 0, 0, 0, 0}; !bytes.Equal(price.Data, want) {
		t.Errorf("price data = %x, want %x", price.Data, want)
	}
}

func TestEd25519Layout(t *testing.T) {
	owner, key := mustKey(t)
	msg := []byte("canonical message")
	sig := ed25519.Sign(key, msg)

	ix, err := chain.Ed25519Verify(owner, sig, msg)
	if err != nil {
		t.Fatal(err)
	}
	if ix.Program != chain.Ed25519ProgramID {
		t.Error("wrong program")
	}
	if len(ix.Accounts) != 0 {
		t.Error("ed25519 instruction takes no accounts")
	}

	d := ix.Data
	if d[0] != 1 || d[1] != 0 {
		t.Fatalf("header = %x", d[:2])
	}
	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(d[2+2*i:]) }
	want := []uint16{48, 0xFFFF, 16, 0xFFFF, 112, uint16(len(msg)), 0xFFFF}
	for i, w := range want {
		if got := u16(i); got != w {
			t.Errorf("offset %d = %d, want %d", i, got, w)
		}
	}
	if !bytes.Equal(d[16:48], owner[:]) {
		t.Error("pubkey misplaced")
	}
	if !bytes.Equal(d[48:112], sig) {
		t.Error("signature misplaced")
	}
	if !bytes.Equal(d[112:], msg) {
		t.Error("message misplaced")
	}

	p, err := chain.DecodeEd25519(d)
	if err != nil {
		t.Fatalf("DecodeEd25519: %v", err)
	}
	if p.PublicKey != owner || !bytes.Equal(p.Signature, sig) || !bytes.Equal(p.Message, msg) {
		t.Error("decoded payload mismatch")
	}

	if _, err := chain.Ed25519Verify(owner, sig[:63], msg); !errors.Is(err, chain.ErrInvalidInstruction) {
		t.Errorf("short signature err = %v", err)
	}
}

func TestSettleBatchEncoding(t *testing.T) {
	ix := chain.SettleBatch(chain.DefaultEscrowProgramID, chain.SettleBatchAccounts{}, 350_000, 1)

	if len(ix.Data) != 24 {
		t.Fatalf("len = %d, want 24", len(ix.Data))
	}
	if got := hex.EncodeToString(ix.Data[:8]); got != "160215dfe17aa3d6" {
		t.Errorf("discriminator = %s", got)
	}
	if want := []byte{0x30, 0x57, 0x05, 0, 0, 0, 0, 0}; !bytes.Equal(ix.Data[8:16], want) {
		t.Errorf("amount bytes = %x, want %x", ix.Data[8:16], want)
	}
	if want := []byte{1, 0, 0, 0, 0, 0, 0, 0}; !bytes.Equal(ix.Data[16:24], want) {
		t.Errorf("nonce bytes = %x, want %x", ix.Data[16:24], want)
	}

	amount, nonce, err := chain.DecodeSettleBatch(ix.Data)
	if err != nil || amount != 350_000 || nonce != 1 {
		t.Errorf("decode = %d, %d, %v", amount, nonce, err)
	}
	if _, _, err := chain.DecodeSettleBatch(ix.Data[:20]); !errors.Is(err, chain.ErrInvalidInstruction) {
		t.Errorf("truncated err = %v", err)
	}
}

func TestRegisterProviderEncoding(t *testing.T) {
	var authority, provider, dest types.Address
	ix, err := chain.RegisterProvider(chain.DefaultEscrowProgramID, authority, provider, dest, chain.VariantBridged, "acme-01")
	if err != nil {
		t.Fatal(err)
	}
	if ix.Data[8] != byte(chain.VariantBridged) || ix.Data[9] != 7 || string(ix.Data[10:]) != "acme-01" {
		t.Errorf("data tail = %x", ix.Data[8:])
	}

	long := string(bytes.Repeat([]byte("m"), chain.MaxMerchantIDLength+1))
	if _, err := chain.RegisterProvider(chain.DefaultEscrowProgramID, authority, provider, dest, chain.VariantDirect, long); !errors.Is(err, chain.ErrMerchantTooLong) {
		t.Errorf("err = %v, want ErrMerchantTooLong", err)
	}
}

func TestProgramAddresses(t *testing.T) {
	owner, _ := mustKey(t)
	other, _ := mustKey(t)
	program := chain.DefaultEscrowProgramID

	a1, bump1, err := chain.VaultAddress(program, owner)
	if err != nil {
		t.Fatal(err)
	}
	a2, bump2, err := chain.VaultAddress(program, owner)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 || bump1 != bump2 {
		t.Error("derivation is not deterministic")
	}
	if chain.IsOnCurve(a1) {
		t.Error("vault address is on curve")
	}

	b, _, err := chain.VaultAddress(program, other)
	if err != nil {
		t.Fatal(err)
	}
	if a1 == b {
		t.Error("different owners share a vault address")
	}

	p, _, err := chain.ProviderAddress(program, owner)
	if err != nil {
		t.Fatal(err)
	}
	if p == a1 {
		t.Error("vault and provider seeds collide")
	}

	recreated, err := chain.CreateProgramAddress([][]byte{chain.VaultSeed, owner[:], {bump1}}, program)
	if err != nil || recreated != a1 {
		t.Errorf("CreateProgramAddress with found bump = %s, %v", recreated, err)
	}

	if !chain.IsOnCurve(owner) {
		t.Error("ed25519 public key reported off curve")
	}

	if _, err := chain.CreateProgramAddress([][]byte{bytes.Repeat([]byte{1}, 33)}, program); !errors.Is(err, chain.ErrInvalidSeeds) {
		t.Errorf("long seed err = %v", err)
	}
}

func TestVaultRoundTrip(t *testing.T) {
	owner, _ := mustKey(t)
	mint, _ := mustKey(t)
	v := &chain.Vault{
		Address:        owner,
		Owner:          owner,
		Mint:           mint,
		Deposited:      2_000_000,
		Settled:        350_000,
		Nonce:          1,
		LastSettlement: time.Unix(1_700_000_000, 0).UTC(),
		Bump:           254,
	}

	data := chain.EncodeVault(v)
	if len(data) != chain.VaultAccountSize {
		t.Fatalf("len = %d, want %d", len(data), chain.VaultAccountSize)
	}

	got, err := chain.DecodeVault(v.Address, data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *v {
		t.Errorf("got %+v, want %+v", got, v)
	}
	if got.Available() != 1_650_000 {
		t.Errorf("Available = %d", got.Available())
	}

	if _, err := chain.DecodeVault(v.Address, data[:50]); !errors.Is(err, chain.ErrInvalidAccountData) {
		t.Errorf("short data err = %v", err)
	}
	data[0] ^= 0xff
	if _, err := chain.DecodeVault(v.Address, data); !errors.Is(err, chain.ErrInvalidAccountData) {
		t.Errorf("bad discriminator err = %v", err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	authority, _ := mustKey(t)
	dest, _ := mustKey(t)
	p := &chain.Provider{
		Address:     dest,
		Authority:   authority,
		Destination: dest,
		Variant:     chain.VariantBridged,
		MerchantID:  "merchant-42",
	}

	data, err := chain.EncodeProvider(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != chain.ProviderAccountSize || chain.ProviderAccountSize != 8+32+32+128 {
		t.Fatalf("len = %d", len(data))
	}

	got, err := chain.DecodeProvider(p.Address, data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestBuildSettlementBundle(t *testing.T) {
	owner, key := mustKey(t)
	payer, _ := mustKey(t)
	authority, _ := mustKey(t)
	program := chain.DefaultEscrowProgramID

	vaultAddr, _, _ := chain.VaultAddress(program, owner)
	providerAddr, _, _ := chain.ProviderAddress(program, authority)
	vault := &chain.Vault{Address: vaultAddr, Owner: owner, Deposited: 2_000_000}
	provider := &chain.Provider{Address: providerAddr, Authority: authority}

	req := authz.Request{Vault: vaultAddr, Provider: providerAddr, Amount: 350_000, Nonce: 1}
	b, err := chain.BuildSettlementBundle(chain.SettlementParams{
		ProgramID: program,
		FeePayer:  payer,
		Vault:     vault,
		Provider:  provider,
		Request:   req,
		Signature: authz.Sign(key, req),
		Bid:       5000,
	})
	if err != nil {
		t.Fatal(err)
	}

	programs := []types.Address{
		chain.ComputeBudgetProgramID,
		chain.ComputeBudgetProgramID,
		chain.Ed25519ProgramID,
		program,
	}
	if len(b.Instructions) != len(programs) {
		t.Fatalf("instructions = %d", len(b.Instructions))
	}
	for i, p := range programs {
		if b.Instructions[i].Program != p {
			t.Errorf("instruction %d program = %s, want %s", i, b.Instructions[i].Program, p)
		}
	}

	payload, err := chain.DecodeEd25519(b.Instructions[2].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload.Message, req.Message()) {
		t.Error("verification message is not the canonical message")
	}

	mismatched := req
	mismatched.Vault = owner
	if _, err := chain.BuildSettlementBundle(chain.SettlementParams{
		ProgramID: program, Vault: vault, Provider: provider,
		Request: mismatched, Signature: authz.Sign(key, mismatched),
	}); !errors.Is(err, chain.ErrInvalidInstruction) {
		t.Errorf("mismatched request err = %v", err)
	}
}

func TestProgramErrorClassification(t *testing.T) {
	err := chain.Reject(chain.IxSettleBatch, chain.ErrNonceMismatch)
	if !chain.IsProgramError(err) {
		t.Error("IsProgramError = false")
	}
	if !errors.Is(err, chain.ErrNonceMismatch) {
		t.Error("ProgramError does not unwrap")
	}
	if chain.IsProgramError(errors.New("rpc timeout")) {
		t.Error("plain error classified as program error")
	}
}
