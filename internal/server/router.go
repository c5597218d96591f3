package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidecar/internal/event"
	"github.com/loykin/sidecar/internal/history"
	mng "github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/process"
)

// Supervisor is the lifecycle surface the router drives.
type Supervisor interface {
	Start(ctx context.Context, req process.LaunchRequest) (mng.Summary, error)
	Stop(ctx context.Context) (mng.Summary, error)
	Restart(ctx context.Context, req process.LaunchRequest) (mng.Summary, error)
	Status() mng.Status
	Bus() *event.Bus
}

// HistoryReader lists recorded lifecycle events, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Router provides embeddable HTTP handlers for controlling the sidecar.
// Endpoints:
//   GET  {basePath}/status
//   GET  {basePath}/port         404 while no port is announced
//   POST {basePath}/start        body: {"data_directory": "..."} (optional)
//   POST {basePath}/stop
//   POST {basePath}/restart      body as start
//   GET  {basePath}/events       server-sent events from the bus
//   GET  {basePath}/history      query: limit=N (only with a history reader)
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	hist     HistoryReader
	basePath string
	token    string
}

// NewRouter constructs a new Router with configurable basePath. hist may be nil.
func NewRouter(sup Supervisor, hist HistoryReader, basePath string) *Router {
	return &Router{sup: sup, hist: hist, basePath: sanitizeBase(basePath)}
}

// RequireToken makes every route demand "Authorization: Bearer <token>".
// An empty token leaves the API open.
func (r *Router) RequireToken(token string) *Router {
	r.token = token
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.token != "" {
		group.Use(tokenAuth(r.token))
	}
	group.GET("/status", r.handleStatus)
	group.GET("/port", r.handlePort)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/events", r.handleEvents)
	if r.hist != nil {
		group.GET("/history", r.handleHistory)
	}
	return g
}

// NewServer starts a standalone server on addr using this router. With a
// non-nil tlsCfg it serves HTTPS. Listen errors are passed to onErr when set.
func NewServer(addr string, r *Router, tlsCfg *tls.Config, onErr func(error)) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type portResp struct {
	Port uint16 `json:"port"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.Status())
}

func (r *Router) handlePort(c *gin.Context) {
	st := r.sup.Status()
	if st.Port == 0 {
		c.JSON(http.StatusNotFound, errorResp{Error: "no port announced"})
		return
	}
	c.JSON(http.StatusOK, portResp{Port: st.Port})
}

func (r *Router) bindRequest(c *gin.Context) (process.LaunchRequest, bool) {
	var req process.LaunchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return req, false
		}
	}
	if !isCleanAbsPath(req.DataDir) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid data_directory: must be absolute path without traversal"})
		return req, false
	}
	return req, true
}

func (r *Router) handleStart(c *gin.Context) {
	req, ok := r.bindRequest(c)
	if !ok {
		return
	}
	sum, err := r.sup.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (r *Router) handleStop(c *gin.Context) {
	sum, err := r.sup.Stop(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (r *Router) handleRestart(c *gin.Context) {
	req, ok := r.bindRequest(c)
	if !ok {
		return
	}
	sum, err := r.sup.Restart(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	evs, err := r.hist.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

// handleEvents streams bus events until the client goes away.
func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.sup.Bus().SubscribeChan(64)
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, process.ErrSpawnFailed), errors.Is(err, process.ErrDirectoryCreateFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
