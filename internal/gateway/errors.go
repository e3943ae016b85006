package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/MEKXH/tether/internal/errs"
)

// Codes for failures raised by the gateway itself.
const (
	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

type httpError struct {
	status  int
	code    string
	message string
}

func (e *httpError) Error() string { return e.message }

func errUnauthorized(message string) error {
	return &httpError{status: http.StatusUnauthorized, code: codeUnauthorized, message: message}
}

func errForbidden(message string) error {
	return &httpError{status: http.StatusForbidden, code: codeForbidden, message: message}
}

var codeStatus = map[string]int{
	errs.CodeValidation:         http.StatusBadRequest,
	errs.CodeNotFound:           http.StatusNotFound,
	errs.CodeInvalidTransition:  http.StatusConflict,
	errs.CodeConflict:           http.StatusConflict,
	errs.CodeNotApproved:        http.StatusConflict,
	errs.CodeExpired:            http.StatusGone,
	errs.CodeExecutionFailed:    http.StatusUnprocessableEntity,
	errs.CodeHaltBudgetExceeded: http.StatusConflict,
	errs.CodeRateLimited:        http.StatusTooManyRequests,
	errs.CodeSystemStopped:      http.StatusServiceUnavailable,
	errs.CodeSystemPaused:       http.StatusServiceUnavailable,
	errs.CodeInternal:           http.StatusInternalServerError,
}

func classify(err error) (int, string) {
	var he *httpError
	if errors.As(err, &he) {
		return he.status, he.code
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusNotFound:
			return fe.Code, errs.CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
			return fe.Code, errs.CodeValidation
		}
		return fe.Code, errs.CodeInternal
	}
	code := errs.Code(err)
	return codeStatus[code], code
}

func statusFor(err error) int {
	status, _ := classify(err)
	return status
}

func errorHandler(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	message := err.Error()
	if code == errs.CodeInternal && status == http.StatusInternalServerError {
		slog.Error("gateway request failed", "request_id", getRequestID(c), "method", c.Method(), "path", c.Path(), "error", err)
		message = "internal error"
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: getRequestID(c),
	})
}
