// Package gateway exposes the inbox over a JSON HTTP API and streams inbox
// events to websocket clients.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picocrm/pkg/auth"
	"github.com/sipeed/picocrm/pkg/bus"
	"github.com/sipeed/picocrm/pkg/config"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/logger"
)

const (
	userKey        = "user"
	tokenKey       = "token"
	requestTimeout = 30 * time.Second
)

type Server struct {
	addr   string
	engine *gin.Engine
	inbox  *inbox.Inbox
	auth   auth.Authenticator
	hub    *Hub

	unsubscribeAuth func()
	httpServer      *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer wires routes for ib. When mb is nil the event stream stays
// silent but still accepts connections.
func NewServer(cfg config.GatewayConfig, ib *inbox.Inbox, authn auth.Authenticator, mb *bus.MessageBus) *Server {
	s := &Server{
		addr:  cfg.Addr(),
		inbox: ib,
		auth:  authn,
		hub:   NewHub(),
	}
	if mb != nil {
		s.hub.Run(mb)
	}
	s.unsubscribeAuth = authn.Subscribe(func(c auth.Change) {
		if c.User == nil {
			s.hub.closeToken(c.Token)
		}
	})

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/login", s.handleLogin)
	api.POST("/register", s.handleRegister)

	authed := api.Group("", s.requireSession())
	authed.POST("/logout", s.handleLogout)
	authed.GET("/me", s.handleMe)
	authed.GET("/channels", s.handleChannels)
	authed.POST("/refresh", s.handleRefresh)
	authed.GET("/counts", s.handleCounts)
	authed.GET("/state", s.handleState)
	authed.GET("/conversations", s.handleListConversations)
	authed.POST("/conversations", s.handleStartConversation)
	authed.GET("/conversations/:id", s.handleGetConversation)
	authed.POST("/conversations/:id/select", s.handleSelect)
	authed.DELETE("/selection", s.handleDeselect)
	authed.GET("/conversations/:id/messages", s.handleMessages)
	authed.POST("/conversations/:id/messages", s.handleSend)
	authed.PUT("/conversations/:id/status", s.handleSetStatus)
	authed.PUT("/conversations/:id/name", s.handleSetName)
	authed.PUT("/conversations/:id/info", s.handleSetInfo)
	authed.PUT("/conversations/:id/kanban", s.handleSetKanban)
	authed.GET("/conversations/:id/schedule", s.handleListScheduled)
	authed.POST("/conversations/:id/schedule", s.handleSchedule)
	authed.DELETE("/conversations/:id/schedule/:sid", s.handleCancelScheduled)
	authed.GET("/schedule/due", s.handleDue)
	authed.GET("/events", s.handleEvents)

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "Listening", map[string]interface{}{"addr": s.addr})
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.unsubscribeAuth != nil {
		s.unsubscribeAuth()
	}
	s.hub.Close()
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugCF("gateway", "Request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// bearerToken reads the session token from the Authorization header, or
// from the token query parameter for websocket clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Query("token")
}

func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		user, ok := s.auth.Current(c.Request.Context(), token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(userKey, user)
		c.Set(tokenKey, token)
		c.Next()
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := newClient(c.GetString(tokenKey), ws)
	s.hub.attach(cl)
	defer func() {
		s.hub.detach(cl)
		cl.shutdown(websocket.CloseNormalClosure, "session closed")
	}()
	cl.readLoop()
}
