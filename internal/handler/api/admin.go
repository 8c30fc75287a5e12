package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/models"
	domrepo "github.com/stefluhh/realtime-stock-exchange-analysis/internal/domain/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/repository"
	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/usecase"
	xhttp "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/http"
	xlogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// AdminOperations are the maintenance operations behind the admin routes.
type AdminOperations interface {
	LatestBars(ctx context.Context, symbol string, ticks int) ([]*models.Bar, error)
	InsertBars(ctx context.Context, bars []*models.Bar) (int, error)
	CreateBackgroundNoise(ctx context.Context, symbol string, from, to time.Time, f usecase.Fuzziness) (int, error)
	DeleteSymbol(ctx context.Context, symbol string) error
	Recalculate(ctx context.Context, symbol string) (int, error)
}

// FeedStatus reports the state of the market data feed.
type FeedStatus interface {
	IsConnected() bool
	LastMessageAt() (time.Time, bool)
}

// AdminHandler serves the admin API and the health endpoint.
type AdminHandler struct {
	ops  AdminOperations
	feed FeedStatus
	log  *xlogger.Logger
}

// NewAdminHandler creates the handler. feed may be nil when no feed runs.
func NewAdminHandler(ops AdminOperations, feed FeedStatus, log *xlogger.Logger) *AdminHandler {
	return &AdminHandler{ops: ops, feed: feed, log: log.Named("admin_api")}
}

func (h *AdminHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/admin")
	g.GET("/latest-stockprices", h.LatestStockprices)
	g.POST("/stockprices/insert-stockprices", h.InsertStockprices)
	g.POST("/stockprices/create-backgroundnoise", h.CreateBackgroundNoise)
	g.DELETE("/stockprices/:symbol", h.DeleteStockprices)
	g.POST("/stockprices/recalculate", h.Recalculate)
}

type healthResponse struct {
	Status        string     `json:"status"`
	FeedConnected bool       `json:"feed_connected"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

func (h *AdminHandler) Health(c echo.Context) error {
	res := healthResponse{Status: "ok"}
	if h.feed != nil {
		res.FeedConnected = h.feed.IsConnected()
		if last, ok := h.feed.LastMessageAt(); ok {
			res.LastMessageAt = &last
		}
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *AdminHandler) LatestStockprices(c echo.Context) error {
	req := &latestRequest{}
	if verr := xhttp.ReadAndValidateQuery(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	bars, err := h.ops.LatestBars(c.Request().Context(), req.Symbol, req.Ticks)
	if err != nil {
		return h.fail(c, "latest stockprices", err)
	}
	out := make([]StockpriceDto, 0, len(bars))
	for _, b := range bars {
		out = append(out, toStockpriceDto(b))
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *AdminHandler) InsertStockprices(c echo.Context) error {
	req := &InsertPricesDto{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	bars := make([]*models.Bar, 0, len(req.Data))
	for i, d := range req.Data {
		if d.Date.IsZero() {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("data[%d].date is required", i).WithParam("index", i))
		}
		bars = append(bars, d.toBar())
	}
	stored, err := h.ops.InsertBars(c.Request().Context(), bars)
	if err != nil {
		return h.fail(c, "insert stockprices", err)
	}
	return xhttp.SuccessResponse(c, map[string]int{"stored": stored})
}

func (h *AdminHandler) CreateBackgroundNoise(c echo.Context) error {
	req := &noiseRequest{}
	if verr := xhttp.ReadAndValidateQuery(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, ok := xhttp.ParseTime(req.From)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid from %q", req.From))
	}
	to, ok := xhttp.ParseTime(req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid to %q", req.To))
	}
	f, err := usecase.ParseFuzziness(req.Fuzziness)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}

	stored, err := h.ops.CreateBackgroundNoise(c.Request().Context(), req.Symbol, from, to, f)
	if err != nil {
		return h.fail(c, "create background noise", err)
	}
	return xhttp.SuccessResponse(c, map[string]int{"stored": stored})
}

func (h *AdminHandler) DeleteStockprices(c echo.Context) error {
	symbol := c.Param("symbol")
	if err := h.ops.DeleteSymbol(c.Request().Context(), symbol); err != nil {
		return h.fail(c, "delete stockprices", err)
	}
	return xhttp.SuccessResponse(c, map[string]string{"deleted": symbol})
}

func (h *AdminHandler) Recalculate(c echo.Context) error {
	recalculated, err := h.ops.Recalculate(c.Request().Context(), c.QueryParam("symbol"))
	if err != nil {
		return h.fail(c, "recalculate", err)
	}
	return xhttp.SuccessResponse(c, map[string]int{"recalculated": recalculated})
}

func (h *AdminHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", xlogger.Error(err))
	} else {
		h.log.Warn(op+" rejected", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrAmountTooLarge),
		errors.Is(err, repository.ErrSkipLastWithBeforeDate),
		errors.Is(err, usecase.ErrInvalidRange):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, domrepo.ErrTickerNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}

var _ xhttp.Handler = (*AdminHandler)(nil)
