// Package monitor serves the state of a running sequence over a unix socket.
// It only reads status snapshots and can cancel the run; it never talks to
// instruments.
package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryoscan/cryoscan/pkg/events"
	"github.com/cryoscan/cryoscan/pkg/sequence"
	"github.com/cryoscan/cryoscan/pkg/version"
)

// Runner is the run being monitored. *sequence.Sequencer satisfies it.
type Runner interface {
	Status() sequence.Status
	Abort() bool
}

// Server is the monitor HTTP API.
type Server struct {
	runner Runner
	hub    *events.Hub
	router *gin.Engine

	srv    *http.Server
	socket string

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a server for runner. Events published to hub are streamed to
// clients of /events.
func New(runner Runner, hub *events.Hub) *Server {
	s := &Server{
		runner: runner,
		hub:    hub,
		done:   make(chan struct{}),
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", s.getStatus)
	router.POST("/abort", s.abort)
	router.GET("/events", s.streamEvents)
	router.GET("/version", getVersion)

	return router
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler { return s.router }

// Listen starts serving on a unix socket. A stale socket file left by a
// crashed run is removed first.
func (s *Server) Listen(socket string, allowNonRoot bool) error {
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", socket)
	}
	l, err := net.Listen("unix", socket)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", socket)
	}

	if allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", socket)
		if err := os.Chmod(socket, 0o777); err != nil {
			_ = l.Close()
			return pkgerrors.Wrapf(err, "failed to chmod %s", socket)
		}
	}

	s.socket = socket
	s.srv = &http.Server{Handler: s.router}
	go func() {
		logrus.Infof("monitor listening on %s", l.Addr().String())
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("monitor stopped")
		}
	}()
	return nil
}

// Shutdown ends open event streams and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	if s.srv == nil {
		return nil
	}
	logrus.Info("shutting down monitor")
	err := s.srv.Shutdown(ctx)
	if rerr := os.Remove(s.socket); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

func (s *Server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.runner.Status())
}

func (s *Server) abort(c *gin.Context) {
	if !s.runner.Abort() {
		err := errors.New("no abortable run in progress")
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}
	logrus.Warn("run abort requested through the monitor")
	c.IndentedJSON(http.StatusAccepted, "abort requested, instruments will be shut down")
}

func (s *Server) streamEvents(c *gin.Context) {
	if s.hub == nil {
		c.IndentedJSON(http.StatusNotFound, "events are not enabled")
		return
	}
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	// Flush the headers so clients see the stream open before the first
	// event.
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.done:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
