package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextWalletKey = "wallet"

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}
		addr, err := claims.Wallet()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "token subject is not a wallet address"})
			return
		}

		c.Set(ContextWalletKey, addr)
		c.Next()
	}
}

// WalletFrom returns the authenticated wallet, or "" when Middleware did not
// run.
func WalletFrom(c *gin.Context) string {
	if val, ok := c.Get(ContextWalletKey); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
