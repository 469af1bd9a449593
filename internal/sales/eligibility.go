package sales

import (
	"api_tokensale/internal/sale"
)

// EligibilityFunc decides whether buyer may purchase during stage.
type EligibilityFunc func(buyer string, stage sale.Stage) bool

// AllowlistPolicy admits everyone to the public sale and only allowlisted
// accounts to the pre-sale. With an empty allowlist the pre-sale is open too.
func AllowlistPolicy(allowlist []string) EligibilityFunc {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, a := range allowlist {
		allowed[a] = struct{}{}
	}

	return func(buyer string, stage sale.Stage) bool {
		switch stage {
		case sale.StagePublicSale:
			return true
		case sale.StagePreSale:
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[buyer]
			return ok
		default:
			return false
		}
	}
}
