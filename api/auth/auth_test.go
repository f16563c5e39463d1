package auth_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/api/auth"
	"gitlab.com/permagate/payward/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// signedRouter wires SignatureMiddleware in front of a handler that
// echoes the verified wallet address.
func signedRouter() *gin.Engine {
	router := gin.New()
	router.GET("/balance", auth.SignatureMiddleware(), func(c *gin.Context) {
		address, ok := auth.WalletAddress(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, address)
	})
	return router
}

// signNonce produces the three signed-request headers for the given key
// and nonce.
func signNonce(t *testing.T, key *rsa.PrivateKey, nonce string) http.Header {
	t.Helper()

	hashed := sha256.Sum256([]byte(nonce))
	signature, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
	require.NoError(t, err)

	header := http.Header{}
	header.Set(auth.PublicKeyHeader,
		base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()))
	header.Set(auth.NonceHeader, nonce)
	header.Set(auth.SignatureHeader,
		base64.RawURLEncoding.EncodeToString(signature))
	return header
}

func TestSignatureMiddleware(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	router := signedRouter()

	t.Run("a correctly signed request resolves the wallet address", func(t *testing.T) {
		request := httptest.NewRequest("GET", "/balance", nil)
		request.Header = signNonce(t, key, "nonce-1")

		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)

		testutil.AssertEqual(t, http.StatusOK, response.Code)
		testutil.AssertEqual(t,
			auth.OwnerToAddress(key.PublicKey.N.Bytes()), response.Body.String())
	})

	t.Run("a signature over a different nonce is rejected", func(t *testing.T) {
		request := httptest.NewRequest("GET", "/balance", nil)
		request.Header = signNonce(t, key, "nonce-1")
		request.Header.Set(auth.NonceHeader, "nonce-2")

		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)

		testutil.AssertEqual(t, http.StatusForbidden, response.Code)
	})

	t.Run("a signature from another key is rejected", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		request := httptest.NewRequest("GET", "/balance", nil)
		request.Header = signNonce(t, otherKey, "nonce-1")
		request.Header.Set(auth.PublicKeyHeader,
			base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()))

		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)

		testutil.AssertEqual(t, http.StatusForbidden, response.Code)
	})

	t.Run("missing headers are rejected", func(t *testing.T) {
		request := httptest.NewRequest("GET", "/balance", nil)

		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)

		testutil.AssertEqual(t, http.StatusForbidden, response.Code)
	})

	t.Run("garbage base64 is rejected", func(t *testing.T) {
		request := httptest.NewRequest("GET", "/balance", nil)
		request.Header = signNonce(t, key, "nonce-1")
		request.Header.Set(auth.SignatureHeader, "!!not-base64!!")

		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)

		testutil.AssertEqual(t, http.StatusForbidden, response.Code)
	})
}

func TestBearerMiddleware(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.GET("/reserve", auth.BearerMiddleware("secret-token"),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(authorization string) int {
		request := httptest.NewRequest("GET", "/reserve", nil)
		if authorization != "" {
			request.Header.Set("Authorization", authorization)
		}
		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)
		return response.Code
	}

	testutil.AssertEqual(t, http.StatusOK, serve("Bearer secret-token"))
	testutil.AssertEqual(t, http.StatusForbidden, serve("Bearer wrong-token"))
	testutil.AssertEqual(t, http.StatusForbidden, serve("secret-token"))
	testutil.AssertEqual(t, http.StatusForbidden, serve(""))
}
