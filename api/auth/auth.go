// Package auth guards the two protected surfaces: operator routes
// behind a shared bearer token, and balance reads behind a signed
// request proving control of the wallet's key.
package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/build"
)

var log = build.AddSubLogger("AUTH")

// Request headers for signed balance reads. The public key is the
// base64url RSA modulus of an arweave wallet; the signature is RSA-PSS
// over the nonce.
const (
	PublicKeyHeader = "x-public-key"
	NonceHeader     = "x-nonce"
	SignatureHeader = "x-signature"
)

// addressVariable is the Gin variable the verified wallet address is
// stored under.
const addressVariable = "wallet-address"

var (
	ErrMissingSignatureHeaders = errors.New("missing signature headers")
	ErrBadSignature            = errors.New("signature verification failed")
)

// BearerMiddleware admits only requests carrying the shared secret.
func BearerMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		supplied := strings.TrimPrefix(header, "Bearer ")
		if supplied == header ||
			subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			log.WithField("path", c.Request.URL.Path).
				Warn("Rejected request with bad bearer token")
			apierr.Forbidden(c, "invalid authorization")
			return
		}
		c.Next()
	}
}

// SignatureMiddleware verifies the signed-request headers and stores
// the derived wallet address for the handler.
func SignatureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		address, err := verifySignedRequest(
			c.GetHeader(PublicKeyHeader),
			c.GetHeader(NonceHeader),
			c.GetHeader(SignatureHeader),
		)
		if err != nil {
			log.WithError(err).Warn("Rejected signed request")
			apierr.Forbidden(c, "signature verification failed")
			return
		}
		c.Set(addressVariable, address)
		c.Next()
	}
}

// WalletAddress returns the address SignatureMiddleware verified.
func WalletAddress(c *gin.Context) (string, bool) {
	address, ok := c.Get(addressVariable)
	if !ok {
		return "", false
	}
	return address.(string), true
}

// verifySignedRequest checks the RSA-PSS signature over the nonce and
// returns the arweave address the public key owns: the base64url
// SHA-256 of the modulus bytes.
func verifySignedRequest(publicKey, nonce, signature string) (string, error) {
	if publicKey == "" || nonce == "" || signature == "" {
		return "", ErrMissingSignatureHeaders
	}

	modulusBytes, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "could not decode public key")
	}
	signatureBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return "", errors.Wrap(err, "could not decode signature")
	}

	key := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: 65537,
	}

	hashed := sha256.Sum256([]byte(nonce))
	err = rsa.VerifyPSS(key, crypto.SHA256, hashed[:], signatureBytes,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
	if err != nil {
		return "", ErrBadSignature
	}

	return OwnerToAddress(modulusBytes), nil
}

// OwnerToAddress derives the arweave wallet address for an owner
// modulus.
func OwnerToAddress(modulusBytes []byte) string {
	addressHash := sha256.Sum256(modulusBytes)
	return base64.RawURLEncoding.EncodeToString(addressHash[:])
}
