// Package api 提供 netcfg 的 HTTP 接口。
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/manager"
	"github.com/charlesren/netcfg/store"
	"github.com/charlesren/netcfg/task"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const apiModule = "api"

// maxBulkRequests 单次批量下发的上限
const maxBulkRequests = 256

// ApplyRequest POST /api/v1/apply 的请求体。intent 保留原始字节，
// 由 task.DecodeIntent 严格解析。
type ApplyRequest struct {
	Endpoint    connection.DeviceEndpoint `json:"endpoint"`
	Credentials connection.Credentials    `json:"credentials"`
	Intent      json.RawMessage           `json:"intent"`
}

type BulkApplyRequest struct {
	Requests []ApplyRequest `json:"requests"`
}

type BulkApplyResponse struct {
	Results   []task.ExecutionResult `json:"results"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Server struct {
	echo     *echo.Echo
	mgr      *manager.Manager
	gatherer prometheus.Gatherer
	token    string
}

type Option func(*Server)

// WithToken 非空时 /api/v1 需要 Authorization: Bearer <token>
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithGatherer /metrics 使用的指标来源，默认为全局注册器
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(mgr *manager.Manager, opts ...Option) *Server {
	s := &Server{
		echo:     echo.New(),
		mgr:      mgr,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			xlog.Debugf(apiModule, "%s %s -> %d (%v)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/api/v1")
	if s.token != "" {
		v1.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(s.token)) == 1, nil
		}))
	}
	v1.POST("/apply", s.apply)
	v1.POST("/apply/bulk", s.applyBulk)
	v1.GET("/pool/stats", s.poolStats)

	devices := v1.Group("/devices")
	devices.GET("", s.listDevices)
	devices.GET("/:address", s.getDevice)
}

// Handler 用于挂载到其他 http.Server 或测试
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 阻塞直到 Shutdown；正常关闭时返回nil
func (s *Server) Start(addr string) error {
	xlog.Infof(apiModule, "listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"pool":   s.mgr.PoolStats(),
	})
}

func (s *Server) apply(c echo.Context) error {
	var req ApplyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, connection.NewErrorWithCause(connection.CodeMalformedIntent, "decode request", err))
	}
	intent, err := task.DecodeIntent(req.Intent)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	res := s.mgr.Apply(c.Request().Context(), intent, req.Endpoint, req.Credentials)
	return c.JSON(http.StatusOK, res)
}

// applyBulk 任一意图无法解析时整批拒绝，不下发任何命令
func (s *Server) applyBulk(c echo.Context) error {
	var req BulkApplyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, connection.NewErrorWithCause(connection.CodeMalformedIntent, "decode request", err))
	}
	if len(req.Requests) > maxBulkRequests {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    string(connection.CodeMalformedIntent),
			Message: "too many requests in one bulk apply",
		})
	}

	reqs := make([]manager.ApplyRequest, 0, len(req.Requests))
	for i, r := range req.Requests {
		intent, err := task.DecodeIntent(r.Intent)
		if err != nil {
			var coded *connection.Error
			if errors.As(err, &coded) {
				coded.AddDetail("index", i)
			}
			return errorJSON(c, http.StatusBadRequest, err)
		}
		reqs = append(reqs, manager.ApplyRequest{Intent: intent, Endpoint: r.Endpoint, Credentials: r.Credentials})
	}

	resp := BulkApplyResponse{Results: s.mgr.ApplyAll(c.Request().Context(), reqs)}
	for _, r := range resp.Results {
		if r.Succeeded() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) poolStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mgr.PoolStats())
}

func (s *Server) listDevices(c echo.Context) error {
	st := s.mgr.Store()
	if st == nil {
		return errorJSON(c, http.StatusServiceUnavailable, connection.NewError(connection.CodeStoreFailure, "no device store configured"))
	}
	records, err := st.List(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, connection.NewErrorWithCause(connection.CodeStoreFailure, "listing devices", err))
	}
	if records == nil {
		records = []store.DeviceRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"devices": records,
		"total":   len(records),
	})
}

func (s *Server) getDevice(c echo.Context) error {
	st := s.mgr.Store()
	if st == nil {
		return errorJSON(c, http.StatusServiceUnavailable, connection.NewError(connection.CodeStoreFailure, "no device store configured"))
	}
	rec, err := st.Load(c.Request().Context(), c.Param("address"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "device not found"})
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, connection.NewErrorWithCause(connection.CodeStoreFailure, "loading device", err))
	}
	return c.JSON(http.StatusOK, rec)
}

func errorJSON(c echo.Context, status int, err error) error {
	code := connection.CodeOf(err)
	if code == "" {
		code = connection.CodeFailure
	}
	return c.JSON(status, ErrorResponse{Code: string(code), Message: err.Error()})
}
