package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	// Protected surface: shutdown gate -> auth -> body limit, in that order,
	// matching the middleware pipeline's declared sequence (steps 3-5).
	protected := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return applyMiddleware(h,
			shutdownGate(g.draining.Load),
			auth(g.gatewayAPIKey),
			bodyLimit,
		)
	}

	r.POST("/v1/chat/completions", protected(g.handleChatCompletions))
	r.POST("/v1/completions", protected(g.handleCompletions))
	r.POST("/v1/embeddings", protected(g.handleEmbeddings))
	r.GET("/health", g.handleHealth)
	r.GET("/ready", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", protected(mgmt.Metrics))
	}
	r.GET("/metrics/costs", protected(g.handleCosts))

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:            handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		MaxRequestBodySize: 2 * maxBodyBytes,
	}

	return srv.ListenAndServe(addr)
}

// BeginDrain marks the gateway as shutting down: subsequent requests to
// protected routes receive 503 from the shutdown gate, while in-flight
// requests run to completion.
func (g *Gateway) BeginDrain() {
	g.draining.Store(true)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleCosts(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.costs.Snapshot())
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

// handleReadiness serves GET /ready: 200 while every critical dependency
// (cache backend, at least one provider) is healthy, 503 with the
// per-dependency results otherwise.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]any{
		"status": "unavailable",
		"checks": g.health.Checks(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
