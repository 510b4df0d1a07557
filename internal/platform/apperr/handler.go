package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// HTTPErrorHandler renders every error as {"error":{"code","message"}}.
// Classified errors keep their code and message. Echo HTTP errors keep their
// status. Anything else is logged in full and answered with a generic
// SERVICE_UNAVAILABLE so store or driver details never reach the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := classify(err)
		if body.Code == CodeServiceUnavailable {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("internal error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, errorResponse{Error: body})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func classify(err error) (int, errorBody) {
	if ae, ok := As(err); ok {
		if ae.Code == CodeServiceUnavailable {
			return HTTPStatus(ae.Code), errorBody{Code: ae.Code, Message: ErrServiceUnavailable.Message}
		}
		return HTTPStatus(ae.Code), errorBody{Code: ae.Code, Message: ae.Message}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return he.Code, errorBody{Code: codeForStatus(he.Code), Message: msg}
	}

	return http.StatusServiceUnavailable, errorBody{Code: CodeServiceUnavailable, Message: ErrServiceUnavailable.Message}
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return CodeValidationFailed
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	default:
		return CodeServiceUnavailable
	}
}
