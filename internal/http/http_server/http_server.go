package http_server

import (
	"context"
	"errors"
	"estatebid/internal/http/auctionhandler"
	"estatebid/internal/http/identity"
	"estatebid/internal/services/auction"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files
)

const shutdownTimeout = 10 * time.Second

type httpServer struct {
	listenPort     uint16
	srv            *http.Server
	ln             net.Listener
	auctionService auction.IAuctionService
	wsHandler      gin.HandlerFunc
	ctx            context.Context
}

// NewHttpServer serves the REST API, the swagger UI and the viewer socket
// (wsHandler, mounted at /ws).
func NewHttpServer(ctx context.Context, listenPort uint16, wsHandler gin.HandlerFunc, auctionService auction.IAuctionService) *httpServer {
	h := &httpServer{
		listenPort:     listenPort,
		wsHandler:      wsHandler,
		auctionService: auctionService,
		ctx:            ctx,
	}
	h.srv = &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Router builds the gin engine. Exposed separately from Start for tests.
func (h *httpServer) Router() *gin.Engine {
	routerEngine := gin.New()

	// Swagger UI and API specs
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))

	routerEngine.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))
	routerEngine.Use(identity.Middleware())

	routerEngine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// websocket endpoint
	if h.wsHandler != nil {
		routerEngine.GET("/ws", h.wsHandler)
	}

	// REST API
	ah := auctionhandler.New(h.auctionService)
	ah.Register(routerEngine)

	return routerEngine
}

// Start blocks until the server stops. A graceful Dispose is not an error.
func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.listenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	zap.L().Info("http_listen", zap.String("addr", h.ln.Addr().String()))
	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests to finish.
func (h *httpServer) Dispose() error {
	// h.ctx is usually already cancelled by the signal handler.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), shutdownTimeout)
	defer cancel()

	if err := h.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http_dispose", zap.Error(err))
		return err // e.g. active conns didn’t finish in time
	}
	return nil
}
