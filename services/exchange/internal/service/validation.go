package service

import (
	"errors"
	"strings"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate    = validator.New()
	tenThousand = decimal.NewFromInt(10000)
)

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return apperr.Validation("%s failed %s validation", field, fe.Tag()).WithDetail("field", field)
	}
	return apperr.Validation("%v", err)
}

func callerWallet(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", apperr.Unauthorized("caller identity required")
	}
	addr, err := wallet.Normalize(raw)
	if err != nil {
		return "", apperr.Unauthorized("caller identity is not a wallet address")
	}
	return addr, nil
}

func positive(name string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return apperr.Validation("%s must be positive", name).WithDetail("field", name)
	}
	return nil
}

// normalizeToken upper-cases a token symbol. Symbols are short and
// alphanumeric.
func normalizeToken(raw string) (string, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if token == "" || len(token) > 16 {
		return "", apperr.Validation("token must be 1-16 characters").WithDetail("field", "token")
	}
	for _, r := range token {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", apperr.Validation("token %q contains invalid characters", raw).WithDetail("field", "token")
		}
	}
	return token, nil
}

// bps returns amount * basisPoints / 10000.
func bps(amount decimal.Decimal, basisPoints int64) decimal.Decimal {
	if basisPoints == 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(basisPoints)).Div(tenThousand)
}
