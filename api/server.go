// Package api exposes the voting core over HTTP for administrators, voters,
// key custodians and auditors. The acting user is taken from the X-Actor-ID
// header; authentication happens in front of this server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"secure-voting/auditor"
	"secure-voting/blockchain/anchor"
	"secure-voting/escrow"
	"secure-voting/service"
)

const actorHeader = "X-Actor-ID"

type Config struct {
	Listen string
	// Custodians and Threshold are used when an open request names no custodians.
	Custodians []escrow.Custodian
	Threshold  int
}

type Server struct {
	manager *service.Manager
	queue   *service.CastQueue
	auditor *auditor.Service
	anchors *anchor.Service
	cfg     Config
	engine  *gin.Engine
	log     log.Logger
}

// NewServer wires the routes. queue and anchors may be nil; casts then run
// inline and anchor listings are unavailable.
func NewServer(manager *service.Manager, queue *service.CastQueue, aud *auditor.Service, anchors *anchor.Service, cfg Config) *Server {
	s := &Server{
		manager: manager,
		queue:   queue,
		auditor: aud,
		anchors: anchors,
		cfg:     cfg,
		engine:  gin.New(),
		log:     log.New("module", "api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(s.engine)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func actor(c *gin.Context) string {
	return c.GetHeader(actorHeader)
}
