// Package flash provides a pay-in-arrears settlement facilitator for Go
// applications.
//
// An agent streams paid data from a provider and pays afterwards. Usage is
// accumulated off the ledger and periodically reconciled onto it with a
// signed, replay-protected batch transfer out of the agent's escrow vault.
// The facilitator only ever asks for approval of an exact {amount, nonce}
// tuple; it cannot move funds on its own.
//
// Flash is designed as a library, not a service. It provides:
//
//   - A concurrency-safe session registry with one actor goroutine per agent
//   - Threshold and timer driven settlement triggers
//   - Canonical settlement messages with ed25519 verification
//   - A circuit-breaker gated submitter with fee bidding
//   - Direct (on-ledger bundle) and bridged settlement backends
//   - Resumable session snapshots and a settlement audit trail
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/flash"
//	    "github.com/xraph/flash/chain/solana"
//	    "github.com/xraph/flash/store/postgres"
//	)
//
//	client := solana.NewClient(rpcURL, solana.WithSigner(feePayer))
//
//	f := flash.New(client,
//	    flash.WithFeePayer(feePayer.PublicKey()),
//	    flash.WithStore(pgStore),
//	    flash.WithThreshold(100_000),
//	)
//	if err := f.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Stop(ctx)
//
// # Sessions
//
// A transport opens one session per connected agent and forwards the
// agent's messages:
//
//	if err := f.OpenSession(ctx, agent, providerAuthority, conn); err != nil {
//	    // validation failures terminate the connection
//	}
//	f.ReportUsage(ctx, agent, 1_500)
//	f.HandleSignature(ctx, agent, amount, nonce, sig)
//	f.CloseSession(ctx, agent)
//
// The ledger nonce makes every signature single-use: a captured or replayed
// approval is rejected with a nonce mismatch and has no effect.
//
// # TypeID
//
// Sessions and settlement records use TypeID identifiers:
//
//	sess_01h2xcejqtf2nbrexx3vqjhp41  // Session ID
//	stl_01h455vb4pex5vsknk084sn02q   // Settlement ID
package flash
