// Package server exposes the loopback HTTP and WebSocket surface of the
// engine: the embedded browser UI, the rendered document, JSON state
// snapshots, and the /ws upgrade endpoint. Every route except the UI
// shell requires the per-process secret as a ?token= query parameter.
package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repolens/repolens/internal/common/config"
	"github.com/repolens/repolens/internal/common/logger"
	"github.com/repolens/repolens/internal/common/portutil"
	"github.com/repolens/repolens/internal/common/tracing"
	"github.com/repolens/repolens/internal/hub"
	"github.com/repolens/repolens/pkg/wire"
)

//go:embed assets/index.html
var indexHTML []byte

//go:embed assets/doc.html
var docTemplateHTML string

//go:embed assets/loading.html
var loadingHTML []byte

// secretLen is the number of random bytes in the access token (hex-encoded
// on the wire, so the printed token is twice this long).
const secretLen = 24

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds to loopback and every route is token-gated, so
	// cross-origin pages cannot complete the handshake without the secret.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DocSnapshot is what /doc needs from the engine: the stored title and
// the path of the rendered body fragment. Ready is false until the first
// successful render.
type DocSnapshot struct {
	Title    string
	BodyPath string
	Ready    bool
}

// Providers are the engine callbacks behind the read-only HTTP routes.
// They must be safe for concurrent use.
type Providers struct {
	State  func() wire.StateSnapshot
	Status func() wire.Status
	Models func() []wire.ModelInfo
	Doc    func() DocSnapshot
}

// Server is the loopback HTTP + WebSocket front end.
type Server struct {
	cfg       config.ServerConfig
	hub       *hub.Hub
	providers Providers
	logger    *logger.Logger

	secret  string
	port    int
	httpSrv *http.Server
	group   errgroup.Group
	docTmpl *template.Template
}

// New builds a server with a fresh access secret. The listener is not
// opened until Start.
func New(cfg config.ServerConfig, h *hub.Hub, providers Providers, log *logger.Logger) (*Server, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	tmpl, err := template.New("doc").Parse(docTemplateHTML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document template: %w", err)
	}
	return &Server{
		cfg:       cfg,
		hub:       h,
		providers: providers,
		logger:    log.WithComponent("server"),
		secret:    secret,
		docTmpl:   tmpl,
	}, nil
}

func newSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Start probes for a free loopback port and begins serving. It returns
// once the listener is bound; request handling continues in the
// background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	listener, port, err := portutil.ListenLoopback(host, s.cfg.Port)
	if err != nil {
		return err
	}
	s.port = port

	s.httpSrv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("HTTP server listening",
		zap.String("host", host),
		zap.Int("port", port),
	)
	s.group.Go(func() error {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	return s.group.Wait()
}

// Port returns the bound port. Valid only after Start.
func (s *Server) Port() int { return s.port }

// Secret returns the per-process access token.
func (s *Server) Secret() string { return s.secret }

// URL returns the operator-facing address including the token.
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/?token=%s", s.port, s.secret)
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelTracing())

	router.GET("/", s.handleIndex)

	authed := router.Group("/", s.requireToken)
	authed.GET("/doc", s.handleDoc)
	authed.GET("/status", s.handleStatus)
	authed.GET("/state", s.handleState)
	authed.GET("/models", s.handleModels)
	authed.GET("/ws", s.handleWS)

	return router
}

// otelTracing wraps each request in an OTel span. A no-op unless
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
func otelTracing() gin.HandlerFunc {
	tracer := tracing.Tracer("repolens-server")

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+path)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// requireToken rejects requests whose ?token= does not match the process
// secret. The 403 body stays empty so probes learn nothing about the
// route space.
func (s *Server) requireToken(c *gin.Context) {
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.Next()
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// handleDoc assembles the current document from the stored title and the
// rendered body fragment. Until the first render it serves a refreshing
// loading page.
func (s *Server) handleDoc(c *gin.Context) {
	snap := s.providers.Doc()
	if !snap.Ready || snap.BodyPath == "" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", loadingHTML)
		return
	}
	body, err := os.ReadFile(snap.BodyPath)
	if err != nil {
		s.logger.Warn("document body unreadable",
			zap.String("path", snap.BodyPath),
			zap.Error(err),
		)
		c.Data(http.StatusOK, "text/html; charset=utf-8", loadingHTML)
		return
	}

	var buf bytes.Buffer
	err = s.docTmpl.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{
		Title: snap.Title,
		Body:  template.HTML(body),
	})
	if err != nil {
		s.logger.Error("document template failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.providers.Status())
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.providers.State())
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.providers.Models())
}

// handleWS upgrades the connection and hands it to the hub. The handler
// blocks in the read pump so the request context stays alive for the
// duration of the connection.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := hub.NewClient(conn, s.hub, s.logger)
	s.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	go client.WritePump()
	s.hub.Connect(client)
	client.ReadPump(c.Request.Context())
}
