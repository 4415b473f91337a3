package confessbot

import (
	"context"
	"crypto/tls"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix       = "/debug"
	apiHealthCheck    = "/healthz"
	apiPathStatus     = "/api/status"
	apiPathRoot       = "/"
	xRequestIDHeader  = "X-Request-ID"
	apiNotFoundError  = "not found"
	apiStatusOnline   = "online"
	apiStatusOffline  = "offline"
	apiStatusStarting = "starting"
)

// API is the small status server exposing bot health and guild counts
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	bot        *Bot
}

type healthCheckResponse struct {
	Status                  string `json:"status"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
}

type statusResponse struct {
	Status    string      `json:"status"`
	Bot       string      `json:"bot"`
	Guilds    int         `json:"guilds"`
	Users     int         `json:"users"`
	Uptime    string      `json:"uptime"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	Version   string      `json:"version"`
	Cache     *cacheStats `json:"cache,omitempty"`
}

type rootResponse struct {
	Bot       string `json:"bot"`
	Status    string `json:"status"`
	InviteURL string `json:"invite_url"`
}

// newAPI builds the gin engine and http server for the status API.
// TLS is used when both a certificate and key are configured.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		bot:    b,
		logger: slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.status)
	r.GET(apiPathRoot, api.root)
	r.NoRoute(
		func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"error": apiNotFoundError})
		},
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api, nil
}

// Serve listens on [APIConfig.Listen] and serves until the server is
// shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) gatewayStatus() string {
	switch {
	case a.bot.discord.connected.Load():
		return apiStatusOnline
	case a.bot.startedAt.IsZero():
		return apiStatusStarting
	default:
		return apiStatusOffline
	}
}

// healthCheck reports 200 while the gateway is connected, and 503
// otherwise
func (a *API) healthCheck(c *gin.Context) {
	connected := a.bot.discord.connected.Load()
	code := http.StatusOK
	if !connected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(
		code, healthCheckResponse{
			Status:                  a.gatewayStatus(),
			DiscordGatewayConnected: connected,
		},
	)
}

func (a *API) status(c *gin.Context) {
	guilds, users := a.bot.discord.guildStats()
	resp := statusResponse{
		Status:  a.gatewayStatus(),
		Bot:     a.bot.discord.botUsername(),
		Guilds:  guilds,
		Users:   users,
		Version: Version,
	}
	if !a.bot.startedAt.IsZero() {
		startedAt := a.bot.startedAt
		resp.StartedAt = &startedAt
		resp.Uptime = a.bot.now().Sub(startedAt).Round(time.Second).String()
	}
	if a.bot.cache != nil {
		stats := a.bot.cache.Stats(c.Request.Context())
		resp.Cache = &stats
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) root(c *gin.Context) {
	c.JSON(
		http.StatusOK, rootResponse{
			Bot:       a.bot.discord.botUsername(),
			Status:    a.gatewayStatus(),
			InviteURL: a.bot.discord.inviteURL(),
		},
	)
}

// requestIDMiddleware assigns each request a random ID, set in the gin
// context and echoed in the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it (with request details included) on first use
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, along with
// any errors attached to the gin context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
