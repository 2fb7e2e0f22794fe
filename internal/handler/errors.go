package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/alert"
	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/middleware"
)

// ErrorHandler renders every error as the structured JSON body. Unexpected
// server errors are also raised as high severity alerts.
func ErrorHandler(log *zap.Logger, alerts *alert.Dispatcher) echo.HTTPErrorHandler {
	log = log.Named("http")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body, expected := render(err)

		if status >= http.StatusInternalServerError {
			log.Error("Request failed",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err),
			)
			if !expected {
				alerts.High(c.Request().Context(), err, map[string]any{
					"method": c.Request().Method,
					"path":   c.Path(),
				})
			}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			log.Warn("Failed to write error response", zap.Error(writeErr))
		}
	}
}

// render maps err to a status and body. expected is true for application
// errors, which are already reported where they arise.
func render(err error) (int, apperr.Body, bool) {
	if appErr, ok := apperr.As(err); ok {
		return appErr.Status(), appErr.Body(), true
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Internal != nil {
			if appErr, ok := apperr.As(he.Internal); ok {
				return appErr.Status(), appErr.Body(), true
			}
		}
		if he.Code == http.StatusRequestEntityTooLarge {
			tooLarge := apperr.Validation(apperr.CodeFileTooLarge, "File too large")
			return tooLarge.Status(), tooLarge.Body(), true
		}
		return he.Code, apperr.Body{
			Error:     true,
			ErrorCode: statusCode(he.Code),
			Message:   fmt.Sprint(he.Message),
		}, he.Code < http.StatusInternalServerError
	}

	internal := apperr.Internal(err)
	return internal.Status(), internal.Body(), false
}

// statusCode turns an HTTP status into an UPPER_SNAKE error code.
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return fmt.Sprintf("HTTP_%d", status)
	}
	return strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text))
}

// Recover turns panics into 500 responses and raises a critical alert.
func Recover(log *zap.Logger, alerts *alert.Dispatcher) echo.MiddlewareFunc {
	log = log.Named("http")
	return echomw.RecoverWithConfig(echomw.RecoverConfig{
		StackSize: 4 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("Recovered from panic",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err),
				zap.ByteString("stack", stack),
			)
			alerts.Dispatch(c.Request().Context(), alert.FromError(err, alert.Critical, map[string]any{
				"method": c.Request().Method,
				"path":   c.Path(),
			}, middleware.UserID(c)))
			return apperr.Internal(err)
		},
	})
}
