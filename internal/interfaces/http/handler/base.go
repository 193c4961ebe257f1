package handler

import (
	"errors"
	"net/http"

	"github.com/entitle/backend/internal/domain/shared"
	"github.com/entitle/backend/internal/interfaces/http/dto"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the context key for request ID
const RequestIDKey = "X-Request-ID"

// BaseHandler provides the response vocabulary shared by all handlers.
// Embed it and use the helpers so every endpoint emits the same envelope.
type BaseHandler struct{}

// getRequestID looks for the request ID where the RequestID middleware
// leaves it, then falls back to the header.
func getRequestID(c *gin.Context) string {
	for _, key := range []string{RequestIDKey, "request_id"} {
		if id := c.GetString(key); id != "" {
			return id
		}
	}
	return c.GetHeader(RequestIDKey)
}

// getSubjectID returns the authenticated subject's UUID.
func getSubjectID(c *gin.Context) (uuid.UUID, error) {
	s := middleware.GetAuthSubject(c)
	if s == "" {
		return uuid.Nil, errors.New("subject not found in context")
	}
	return uuid.Parse(s)
}

// getOrgID returns the authenticated organization's UUID.
func getOrgID(c *gin.Context) (uuid.UUID, error) {
	s := middleware.GetAuthOrgID(c)
	if s == "" {
		return uuid.Nil, errors.New("organization ID not found in context")
	}
	return uuid.Parse(s)
}

// Success sends 200 with data.
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithMeta sends 200 with data and pagination meta.
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

// Created sends 201 with data.
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// NoContent sends 204.
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an error response with an explicit status code.
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithCode sends an error response, mapping the error code to its
// HTTP status.
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

func (h *BaseHandler) Unauthorized(c *gin.Context, message string) {
	h.Error(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, message)
}

func (h *BaseHandler) Forbidden(c *gin.Context, message string) {
	h.Error(c, http.StatusForbidden, dto.ErrCodeForbidden, message)
}

func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

func (h *BaseHandler) Conflict(c *gin.Context, message string) {
	h.Error(c, http.StatusConflict, dto.ErrCodeConflict, message)
}

// UnprocessableEntity sends 422 with a caller-chosen error code; tier
// transition and spend-cap violations carry their specific codes here.
func (h *BaseHandler) UnprocessableEntity(c *gin.Context, code, message string) {
	h.Error(c, http.StatusUnprocessableEntity, code, message)
}

func (h *BaseHandler) TooManyRequests(c *gin.Context, message string) {
	h.Error(c, http.StatusTooManyRequests, dto.ErrCodeRateLimited, message)
}

func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// ValidationError sends 400 listing the failed fields.
func (h *BaseHandler) ValidationError(c *gin.Context, details []dto.ValidationDetail) {
	c.JSON(http.StatusBadRequest, dto.NewValidationErrorResponse(
		"Request validation failed", getRequestID(c), details))
}

// HandleError maps domain errors onto HTTP responses. Anything that is
// not a DomainError, wrapped or not, is reported as an internal error
// without leaking its message.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		h.Error(c, dto.GetHTTPStatus(code), code, domainErr.Message)
		return
	}

	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, "An unexpected error occurred")
}
