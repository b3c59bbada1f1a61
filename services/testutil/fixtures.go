package testutil

import (
	"fmt"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/auth"
)

// Checksummed wallets used across service tests.
const (
	BuyerWallet   = "0x52908400098527886E0F7030069857D2E4169EE7"
	SellerWallet  = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	ArbiterWallet = "0xde709f2102306220921060314715629080e2fb77"
	OtherWallet   = "0x27b1fdb04752bbc536007a920d24acb045561c26"
	FeeWallet     = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

// TxHash returns a well formed transaction hash derived from n.
func TxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func GenerateJWT(wallet string, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueJWT(wallet, secret, ttl)
}
