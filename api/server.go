package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/internal/types"
	"github.com/b0ase/custody/service"
)

type Server struct {
	port     int64
	svc      *service.CustodyService
	sdClient *statsd.Client
	logger   *logrus.Logger
}

// NewServer returns a new server.
func NewServer(port int64, svc *service.CustodyService, sdClient *statsd.Client) *Server {
	return &Server{
		port:     port,
		svc:      svc,
		sdClient: sdClient,
		logger:   logrus.WithField("service", "api").Logger,
	}
}

func (s *Server) StartServer() error {
	e := echo.New()
	e.Logger.SetLevel(log.DEBUG)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))
	e.GET("/ping", s.Ping)

	grp := e.Group("/vault")
	grp.POST("", s.CreateVault)
	grp.GET("/:userID", s.GetVault)
	grp.GET("/:userID/balance", s.GetBalance)
	grp.GET("/:userID/audit", s.GetAuditTrail)
	grp.POST("/:userID/withdrawals/draft", s.DraftWithdrawal)
	grp.POST("/:userID/withdrawals/complete", s.CompleteWithdrawal)
	grp.POST("/:userID/withdrawals/:withdrawalID/abandon", s.AbandonWithdrawal)
	grp.GET("/:userID/withdrawals/:withdrawalID", s.GetWithdrawal)

	return e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) statsdMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.sdClient == nil {
			return next(c)
		}
		start := time.Now()
		err := next(c)
		duration := time.Since(start).Milliseconds()

		_ = s.sdClient.Incr("http.requests", []string{"path:" + c.Path()}, 1)
		_ = s.sdClient.Timing("http.response_time", time.Duration(duration)*time.Millisecond, []string{"path:" + c.Path()}, 1)
		_ = s.sdClient.Incr("http.status."+fmt.Sprint(c.Response().Status), []string{"path:" + c.Path(), "method:" + c.Request().Method}, 1)

		return err
	}
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Custody server is running")
}

func (s *Server) CreateVault(c echo.Context) error {
	var req types.VaultCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	if err := req.IsValid(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := s.svc.CreateVault(c.Request().Context(), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, types.VaultCreateResponse{
		Address:      v.Address,
		RedeemScript: hex.EncodeToString(v.RedeemScript),
		Threshold:    v.Threshold,
	})
}

func (s *Server) GetVault(c echo.Context) error {
	v, err := s.svc.GetVault(c.Request().Context(), c.Param("userID"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) GetBalance(c echo.Context) error {
	var tokenIDs []string
	if raw := c.QueryParam("tokens"); raw != "" {
		tokenIDs = strings.Split(raw, ",")
	}
	balance, err := s.svc.GetBalance(c.Request().Context(), c.Param("userID"), tokenIDs)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, balance)
}

func (s *Server) GetAuditTrail(c echo.Context) error {
	trail, err := s.svc.AuditTrail(c.Request().Context(), c.Param("userID"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) DraftWithdrawal(c echo.Context) error {
	var req types.WithdrawalDraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	resp, err := s.svc.DraftWithdrawal(c.Request().Context(), c.Param("userID"), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) CompleteWithdrawal(c echo.Context) error {
	var req types.WithdrawalCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "fail to parse request")
	}
	resp, err := s.svc.CompleteWithdrawal(c.Request().Context(), c.Param("userID"), req)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) AbandonWithdrawal(c echo.Context) error {
	if err := s.svc.AbandonWithdrawal(c.Request().Context(), c.Param("userID"), c.Param("withdrawalID")); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) GetWithdrawal(c echo.Context) error {
	w, err := s.svc.GetWithdrawal(c.Request().Context(), c.Param("userID"), c.Param("withdrawalID"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// httpError maps domain errors onto HTTP statuses. Unrecognised errors stay
// opaque 500s so internals never leak to the caller.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, types.ErrVaultNotFound),
		errors.Is(err, types.ErrWithdrawalNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidPublicKey),
		errors.Is(err, types.ErrInvalidSignature),
		errors.Is(err, types.ErrUnknownSigner),
		errors.Is(err, types.ErrSignatureOrderMismatch),
		errors.Is(err, types.ErrInsufficientFeeFunds),
		errors.Is(err, types.ErrInsufficientTokenBalance),
		errors.Is(err, types.ErrNoUtxosAvailable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrVaultKeyMismatch),
		errors.Is(err, types.ErrDraftInFlight),
		errors.Is(err, types.ErrInvalidPhase):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrIndexerUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	var broadcastErr *types.BroadcastError
	if errors.As(err, &broadcastErr) {
		return echo.NewHTTPError(http.StatusBadGateway, broadcastErr.Error())
	}
	s.logger.WithError(err).Error("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
