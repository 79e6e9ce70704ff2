// Package router provides HTTP routing, middleware configuration, and server setup for the relay API
package router

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/amirphl/vendor-relay/app/dto"
	"github.com/amirphl/vendor-relay/app/handlers"
	"github.com/amirphl/vendor-relay/app/middleware"
	"github.com/amirphl/vendor-relay/app/services"
	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthPath = "/api/v1/health"

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// Handlers groups the HTTP handlers mounted by the router
type Handlers struct {
	Messages      handlers.MessageHandlerInterface
	Webhooks      handlers.WebhookHandlerInterface
	ServiceHealth handlers.ServiceHealthHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app         *fiber.App
	cfg         *config.ProductionConfig
	handlers    Handlers
	auth        *middleware.AuthMiddleware
	rateLimiter services.RateLimiter
	logger      *log.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(
	cfg *config.ProductionConfig,
	h Handlers,
	auth *middleware.AuthMiddleware,
	rateLimiter services.RateLimiter,
	logger *log.Logger,
) Router {
	bodyLimit := cfg.Server.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}

	r := &FiberRouter{
		cfg:         cfg,
		handlers:    h,
		auth:        auth,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
	r.app = fiber.New(fiber.Config{
		AppName:      "Vendor Relay API",
		ServerHeader: "vendor-relay",
		ErrorHandler: r.errorHandler,
		BodyLimit:    bodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ProxyHeader:  cfg.Server.ProxyHeader,
		TrustProxy:   len(cfg.Server.TrustedProxies) > 0,
		TrustProxyConfig: fiber.TrustProxyConfig{
			Proxies: cfg.Server.TrustedProxies,
		},
	})
	return r
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.logger.Println("Setting up routes...")

	r.setupMiddleware()

	if r.cfg.Metrics.Enabled {
		r.app.Get(r.metricsPath(), adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := r.app.Group("/api/v1")
	api.Get("/health", r.healthCheck)

	// Provider callbacks authenticate with the shared secret, not a vendor token
	webhooks := api.Group("/webhooks",
		middleware.WebhookAuth(r.cfg.Security.WebhookHeader, r.cfg.Security.WebhookSecret),
		limiter.New(limiter.Config{
			Max:        utils.WebhookRateLimitPerMinute,
			Expiration: time.Minute,
			KeyGenerator: func(c fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
					Success:   false,
					Message:   "Too many requests. Please try again later.",
					Error:     dto.ErrorDetail{Code: "RATE_LIMIT_EXCEEDED"},
					RequestID: requestid.FromContext(c),
				})
			},
		}),
	)
	webhooks.Post("/delivery", r.handlers.Webhooks.DeliveryEvent)

	vendor := api.Group("", r.auth.Authenticate())

	// only enqueue requests draw on the vendor's window; status reads stay open
	enqueueLimit := middleware.VendorRateLimit(r.rateLimiter, r.logger)
	vendor.Post("/messages", enqueueLimit, r.handlers.Messages.Send)
	vendor.Post("/messages/batch", enqueueLimit, r.handlers.Messages.SendBatch)
	vendor.Get("/messages", r.handlers.Messages.ListMessages)
	vendor.Get("/messages/export", r.handlers.Messages.ExportMessages)
	vendor.Get("/messages/:id", r.handlers.Messages.GetMessage)
	vendor.Get("/batches/:id", r.handlers.Messages.GetBatch)

	admin := vendor.Group("/admin", r.auth.RequireScope(services.ScopeAdmin))
	admin.Get("/services", r.handlers.ServiceHealth.ListServices)
	admin.Post("/services/:service_id/reset", r.handlers.ServiceHealth.ResetService)
	admin.Delete("/services/:service_id", r.handlers.ServiceHealth.ResetService)

	r.app.Use(r.notFoundHandler)

	r.logger.Println("Routes setup completed")
}

func (r *FiberRouter) metricsPath() string {
	if r.cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return r.cfg.Metrics.Path
}

func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))

	r.app.Use(middleware.Metrics(r.metricsPath()))

	sec := r.cfg.Security
	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    orDefault(sec.XContentTypeOptions, "nosniff"),
		XFrameOptions:         orDefault(sec.XFrameOptions, "DENY"),
		HSTSMaxAge:            sec.HSTSMaxAge,
		ContentSecurityPolicy: orDefault(sec.CSPPolicy, "default-src 'none'; frame-ancestors 'none'"),
		ReferrerPolicy:        orDefault(sec.ReferrerPolicy, "strict-origin-when-cross-origin"),
		XDNSPrefetchControl:   "off",
		XDownloadOptions:      "noopen",
		XPermittedCrossDomain: "none",
	}))

	maxAge := sec.CORSMaxAge
	if maxAge <= 0 {
		maxAge = utils.CORSMaxAge
	}
	origins := sec.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     orDefaultSlice(sec.AllowedMethods, []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"}),
		AllowHeaders:     orDefaultSlice(sec.AllowedHeaders, []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "Idempotency-Key"}),
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: sec.AllowCredentials && !containsWildcard(origins),
		MaxAge:           maxAge,
	}))

	r.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	r.app.Use(logger.New(logger.Config{
		Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
		Stream:     r.logger.Writer(),
		Next: func(c fiber.Ctx) bool {
			return c.Path() == healthPath || c.Path() == r.metricsPath()
		},
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Printf(`{"time":"%s","level":"error","request_id":"%s","event":"panic","error":"%v","path":"%s","method":"%s"}`,
				utils.UTCNow().Format(time.RFC3339),
				requestid.FromContext(c),
				e,
				c.Path(),
				c.Method(),
			)
		},
	}))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return true
		}
	}
	return false
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Printf("Starting server on %s", address)
	return r.app.Listen(address)
}

// GetApp returns the underlying Fiber app
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"version":   r.cfg.Deployment.Version,
			"service":   "vendor-relay",
		},
		RequestID: requestid.FromContext(c),
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "Endpoint not found",
		Error: dto.ErrorDetail{
			Code:    "NOT_FOUND",
			Details: fiber.Map{"method": c.Method(), "path": c.Path()},
		},
		RequestID: requestid.FromContext(c),
	})
}

func (r *FiberRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "An internal server error occurred"
	errCode := "INTERNAL_ERROR"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		if code < fiber.StatusInternalServerError {
			message = fe.Message
			errCode = "REQUEST_ERROR"
		}
	}

	if code >= fiber.StatusInternalServerError {
		r.logger.Printf("Error %d [request_id=%s]: %v", code, requestid.FromContext(c), err)
	}

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: errCode,
			Details: fiber.Map{
				"timestamp": utils.UTCNow().Unix(),
			},
		},
		RequestID: requestid.FromContext(c),
	})
}
