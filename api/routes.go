// Package api binds the credit ledger to its HTTP surface with Gin.
// The handlers stay thin: parse and validate input, call one ledger
// operation, map its errors through apierr.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/api/auth"
	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/gateway"
	"gitlab.com/permagate/payward/metrics"
)

var log = build.AddSubLogger("API")

// Config is the configuration for our API.
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// ReservationToken is the shared bearer secret the upload service
	// presents on reserve/refund calls
	ReservationToken string
	// StripeWebhookSecret signs incoming provider events
	StripeWebhookSecret string
	// WebhookTolerance bounds how stale a signed webhook timestamp may
	// be. Defaults to five minutes.
	WebhookTolerance time.Duration
	// AllowedOrigins for CORS. Defaults to allowing every origin.
	AllowedOrigins []string
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the two provider gateways.
type RestServer struct {
	Router   *gin.Engine
	db       *db.DB
	payments gateway.PaymentGateway
	pricing  gateway.PricingOracle
	metrics  *metrics.Metrics
	config   Config
}

func getCorsConfig(allowedOrigins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization", auth.PublicKeyHeader, auth.NonceHeader,
			auth.SignatureHeader},
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return config
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))

	return engine
}

// NewRestServer creates a new server bound to the given ledger database
// and gateways.
func NewRestServer(d *db.DB, payments gateway.PaymentGateway,
	pricing gateway.PricingOracle, m *metrics.Metrics,
	config Config) (RestServer, error) {

	build.SetLogLevels(config.LogLevel)

	if config.ReservationToken == "" {
		return RestServer{}, errors.New("config.ReservationToken is not set")
	}
	if config.StripeWebhookSecret == "" {
		return RestServer{}, errors.New("config.StripeWebhookSecret is not set")
	}
	if config.WebhookTolerance <= 0 {
		config.WebhookTolerance = 5 * time.Minute
	}

	r := RestServer{
		Router:   getGinEngine(config),
		db:       d,
		payments: payments,
		pricing:  pricing,
		metrics:  m,
		config:   config,
	}

	r.Router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	r.Router.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, apierr.Response{
			Code:    "ERR_ROUTE_NOT_FOUND",
			Message: "route not found",
		})
	})

	r.registerPriceRoutes()
	r.registerBalanceRoutes()
	r.registerTopUpRoutes()
	r.registerReservationRoutes()
	r.registerWebhookRoutes()

	return r, nil
}

func (r *RestServer) registerPriceRoutes() {
	prices := r.Router.Group("/v1/price")
	prices.GET("/bytes/:byteCount", r.getPriceForBytes())
	prices.GET("/:currency/:amount", r.getPriceForFiat())
}

func (r *RestServer) registerBalanceRoutes() {
	balance := r.Router.Group("/v1")
	balance.Use(auth.SignatureMiddleware())
	balance.GET("/balance", r.getBalance())
}

func (r *RestServer) registerTopUpRoutes() {
	topUp := r.Router.Group("/v1")
	topUp.GET("/top-up/checkout-session/:address/:currency/:amount",
		r.createTopUp(sessionModeCheckout))
	topUp.GET("/top-up/payment-intent/:address/:currency/:amount",
		r.createTopUp(sessionModeIntent))
	topUp.GET("/redeem", r.redeemGift())
}

func (r *RestServer) registerReservationRoutes() {
	reserved := r.Router.Group("/v1")
	reserved.Use(auth.BearerMiddleware(r.config.ReservationToken))
	reserved.GET("/reserve-balance/:address/:byteCount", r.reserveBalance())
	reserved.GET("/refund-balance/:address/:winc", r.refundBalance())
}

func (r *RestServer) registerWebhookRoutes() {
	r.Router.POST("/v1/stripe-webhook", r.stripeWebhook())
}
