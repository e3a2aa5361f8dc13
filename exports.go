package chainbill

import "github.com/xraph/chainbill/types"

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	USDC = types.USDC
	USDT = types.USDT
	EURC = types.EURC
	WBTC = types.WBTC
	SOL  = types.SOL
	Zero = types.Zero
	Sum  = types.Sum
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
