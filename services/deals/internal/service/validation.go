package service

import (
	"errors"
	"strings"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// validationError reports the first failing field of a validator error.
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

// callerWallet turns the identity attached by the auth middleware into a
// normalized address. A missing identity is Unauthorized.
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
