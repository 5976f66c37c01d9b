package flash

import (
	"github.com/xraph/flash/authz"
	"github.com/xraph/flash/types"
)

// Re-export common types for convenience so users don't have to import subpackages.

// Address is re-exported from types package.
type Address = types.Address

// Entity is re-exported from types package.
type Entity = types.Entity

// AmountPolicy is re-exported from authz package.
type AmountPolicy = authz.AmountPolicy

// Amount policies.
const (
	AmountStrict     = authz.AmountStrict
	AmountPermissive = authz.AmountPermissive
)

// Re-export constructors
var (
	ParseAddress = types.ParseAddress
	NewEntity    = types.NewEntity
)
