package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

func statusFor(err error) int {
	var he *echo.HTTPError
	var cycle *errs.CycleDetectedError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsConflict(err), errors.As(err, &cycle):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		}
	} else if cat := errs.Category(err); cat != "" && code != http.StatusInternalServerError {
		resp.Category = cat
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.String("path", c.Path()), zap.Error(err))
		resp.Error = "internal error"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, resp)
}
