package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pool-observer/src/helpers"
	"pool-observer/src/models"

	"github.com/gin-gonic/gin"
)

const (
	healthTimeout       = 3 * time.Second
	defaultCoverageDays = 30

	// Non-standard, as used by nginx: the client went away before the response.
	statusClientClosedRequest = 499
)

// -----------------------------------------------------------------------------
// Pool endpoints
// -----------------------------------------------------------------------------

// getPool serves GET /api/{kind}-pool?date=YYYY-MM-DD. Without date the latest
// settled trading day is used.
func (s *APIServer) getPool(kind models.PoolKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		date := s.Service.DefaultDate()
		if raw := c.Query("date"); raw != "" {
			parsed, err := models.ParseTradeDate(raw)
			if err != nil {
				s.writeFailure(c, helpers.InvalidDate(err))
				return
			}
			date = parsed
		}

		res, err := s.Service.Query(c.Request.Context(), kind, date)
		s.writeResult(c, res, err)
	}
}

// -----------------------------------------------------------------------------

// getHistory serves GET /api/{kind}-pool/history with either date or the pair
// start_date and end_date.
func (s *APIServer) getHistory(kind models.PoolKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Query("date"); raw != "" {
			date, err := models.ParseTradeDate(raw)
			if err != nil {
				s.writeFailure(c, helpers.InvalidDate(err))
				return
			}
			res, err := s.Service.Query(c.Request.Context(), kind, date)
			s.writeResult(c, res, err)
			return
		}

		start, end, err := parseRange(c.Query("start_date"), c.Query("end_date"))
		if err != nil {
			s.writeFailure(c, err)
			return
		}

		res, err := s.Service.QueryRange(c.Request.Context(), kind, start, end)
		s.writeResult(c, res, err)
	}
}

// -----------------------------------------------------------------------------

// getDates serves GET /api/{kind}-pool/dates, the coverage of a date range.
// It defaults to the thirty days ending on the latest settled trading day.
func (s *APIServer) getDates(kind models.PoolKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawStart, rawEnd := c.Query("start_date"), c.Query("end_date")

		var start, end models.TradeDate
		if rawStart == "" && rawEnd == "" {
			end = s.Service.DefaultDate()
			start = end.AddDays(-(defaultCoverageDays - 1))
		} else {
			var err error
			if start, end, err = parseRange(rawStart, rawEnd); err != nil {
				s.writeFailure(c, err)
				return
			}
		}

		coverage, err := s.Service.Coverage(c.Request.Context(), kind, start, end)
		if err != nil {
			s.writeFailure(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"pool_kind":  kind,
			"start_date": start,
			"end_date":   end,
			"count":      len(coverage),
			"dates":      coverage,
		})
	}
}

// -----------------------------------------------------------------------------
// Operational endpoints
// -----------------------------------------------------------------------------

func (s *APIServer) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	body := gin.H{
		"status":         "ok",
		"storage":        "ok",
		"db_type":        s.Config.Storage.DBType,
		"fetcher":        s.Service.Fetcher.Name(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}

	if err := s.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["storage"] = "unavailable"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// -----------------------------------------------------------------------------

func (s *APIServer) getStats(c *gin.Context) {
	tables, err := s.Store.TableStats(c.Request.Context())
	if err != nil {
		s.writeFailure(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tables":  tables,
		"cache":   s.Service.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Response helpers
// -----------------------------------------------------------------------------

func (s *APIServer) writeResult(c *gin.Context, res *models.MQueryResult, err error) {
	if err != nil {
		c.JSON(statusFor(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *APIServer) writeFailure(c *gin.Context, err error) {
	c.JSON(statusFor(err), &models.MQueryResult{
		Success:   false,
		Rows:      []models.MSnapshotRecord{},
		Error:     err.Error(),
		ErrorKind: helpers.ErrorKind(err),
	})
}

// -----------------------------------------------------------------------------

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ue *helpers.UpstreamError
	switch {
	case errors.Is(err, helpers.ErrInvalidDate), errors.Is(err, helpers.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, &helpers.StorageError{}):
		return http.StatusServiceUnavailable
	case errors.As(err, &ue):
		if ue.Kind == helpers.UpstreamRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// -----------------------------------------------------------------------------

func parseRange(rawStart, rawEnd string) (models.TradeDate, models.TradeDate, error) {
	if rawStart == "" || rawEnd == "" {
		return models.TradeDate{}, models.TradeDate{}, helpers.InvalidRange("either date or both start_date and end_date are required")
	}
	start, err := models.ParseTradeDate(rawStart)
	if err != nil {
		return models.TradeDate{}, models.TradeDate{}, helpers.InvalidDate(err)
	}
	end, err := models.ParseTradeDate(rawEnd)
	if err != nil {
		return models.TradeDate{}, models.TradeDate{}, helpers.InvalidDate(err)
	}
	if end.Before(start) {
		return models.TradeDate{}, models.TradeDate{}, helpers.InvalidRange("start_date %s is after end_date %s", start, end)
	}
	return start, end, nil
}
