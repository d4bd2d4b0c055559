package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/poolsync/internal/authorization"
	certificatedomain "github.com/smallbiznis/poolsync/internal/certificate/domain"
	consumerdomain "github.com/smallbiznis/poolsync/internal/consumer/domain"
	entitlementdomain "github.com/smallbiznis/poolsync/internal/entitlement/domain"
	"github.com/smallbiznis/poolsync/internal/fingerprint"
	organizationdomain "github.com/smallbiznis/poolsync/internal/organization/domain"
	pooldomain "github.com/smallbiznis/poolsync/internal/pool/domain"
	productdomain "github.com/smallbiznis/poolsync/internal/product/domain"
	"github.com/smallbiznis/poolsync/internal/ratelimit"
	refreshdomain "github.com/smallbiznis/poolsync/internal/refresh/domain"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		var limited *ratelimit.LimitedError
		if errors.As(lastErr.Err, &limited) && limited.Result != nil && limited.Result.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.Result.RetryAfter.Seconds()))))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var expired *entitlementdomain.ExpiredError
	if errors.As(err, &expired) {
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: expired.Error(),
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, entitlementdomain.ErrForbidden),
		errors.Is(err, consumerdomain.ErrOwnerMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, refreshdomain.ErrRefreshInProgress),
		errors.Is(err, organizationdomain.ErrAlreadyExists),
		errors.Is(err, entitlementdomain.ErrInsufficientQuantity),
		errors.Is(err, entitlementdomain.ErrPoolInactive):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many refresh requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, upstream.ErrUnavailable),
		errors.Is(err, refreshdomain.ErrQueueFull),
		errors.Is(err, refreshdomain.ErrWorkersNotRunning):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, refreshdomain.ErrRefreshInProgress):
		return "refresh in progress"
	case errors.Is(err, entitlementdomain.ErrInsufficientQuantity):
		return "insufficient pool quantity"
	case errors.Is(err, entitlementdomain.ErrPoolInactive):
		return "pool not active"
	default:
		return "conflict"
	}
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		code = vErr.Errors[0].Code
	} else if isValidationError(err) {
		code = validationErrorCode(err)
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, organizationdomain.ErrInvalidKey),
		errors.Is(err, organizationdomain.ErrInvalidContentAccessMode),
		errors.Is(err, refreshdomain.ErrInvalidOwnerKey),
		errors.Is(err, refreshdomain.ErrInvalidPageToken),
		errors.Is(err, productdomain.ErrInvalidAttribute),
		errors.Is(err, productdomain.ErrInvalidProduct),
		errors.Is(err, fingerprint.ErrCycle),
		errors.Is(err, pooldomain.ErrInvalidRequest),
		errors.Is(err, consumerdomain.ErrInvalidName),
		errors.Is(err, consumerdomain.ErrInvalidType),
		errors.Is(err, consumerdomain.ErrInvalidOwner),
		errors.Is(err, entitlementdomain.ErrInvalidQuantity),
		errors.Is(err, entitlementdomain.ErrNoDevSKU),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction),
		errors.Is(err, authorization.ErrInvalidOwner):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, organizationdomain.ErrNotFound),
		errors.Is(err, productdomain.ErrNotFound),
		errors.Is(err, productdomain.ErrContentNotFound),
		errors.Is(err, pooldomain.ErrNotFound),
		errors.Is(err, consumerdomain.ErrNotFound),
		errors.Is(err, entitlementdomain.ErrNotFound),
		errors.Is(err, certificatedomain.ErrNotFound),
		errors.Is(err, refreshdomain.ErrJobNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		productdomain.ErrInvalidAttribute,
		fingerprint.ErrCycle,
		organizationdomain.ErrInvalidKey,
		refreshdomain.ErrInvalidOwnerKey,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case productdomain.ErrInvalidAttribute.Error():
		return "upstream product carries an invalid attribute value"
	case fingerprint.ErrCycle.Error():
		return "upstream product graph contains a cycle"
	default:
		return "invalid value"
	}
}
