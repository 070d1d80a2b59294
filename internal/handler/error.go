package handler

import (
	"errors"
	"net/http"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

// ErrorHandler writes every handler error as a JSON body. Errors that are
// not *echo.HTTPError are reported as 500 without leaking their detail.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "something went terribly wrong"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(status)
			}
			if he.Internal != nil {
				err = he.Internal
			}
		}

		event := logger.Warn()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.Err(err).
			Str("path", c.Request().URL.Path).
			Int("status", status).
			Msg("handler error")

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, ErrorResponse{Message: message})
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("err writing error response")
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

// serviceError maps orchestrator errors to HTTP statuses. The error text is
// returned to the caller since it names the offending target, run or mode.
func serviceError(err error) error {
	switch {
	case errors.Is(err, service.ErrUnknownTarget),
		errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, service.ErrArtifactNotFound):
		return newError(err, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidMode):
		return newError(err, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRunNotActive),
		errors.Is(err, service.ErrLeaseNotHeld):
		return newError(err, http.StatusConflict, err.Error())
	default:
		return newError(err, http.StatusInternalServerError, "something went wrong")
	}
}
