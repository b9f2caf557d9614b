package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"image-resize-proxy/internal/metrics"
	"image-resize-proxy/internal/model"
	"image-resize-proxy/internal/service"
)

// userinfoPattern matches credentials embedded in URLs that show up in error messages.
var userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/@\s"]+@`)

// Client-facing error messages.
const (
	msgInvalidTarget   = "Invalid or no image URL specified"
	msgHostNotAllowed  = "Not an allowed hostname"
	msgFetch           = "Could not fetch"
	msgResponseError   = "Could not fetch: response error"
	msgUnsupportedMIME = "Unsupported MIME type"
)

// ImageHandler serves resized or passed-through origin images.
type ImageHandler struct {
	service *service.ImageService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewImageHandler creates an ImageHandler. The metrics parameter is optional.
func NewImageHandler(svc *service.ImageService, logger *slog.Logger, m *metrics.Metrics) *ImageHandler {
	return &ImageHandler{
		service: svc,
		logger:  logger.With("component", "image_handler"),
		metrics: m,
	}
}

// Handle runs the image pipeline for the request and writes exactly one
// response: the image on success, a plain-text message otherwise.
func (h *ImageHandler) Handle(c echo.Context) error {
	req := c.Request()

	requestURI := req.RequestURI
	if requestURI == "" {
		requestURI = req.URL.RequestURI()
	}

	res, err := h.service.Process(&model.ImageRequest{
		Ctx:        req.Context(),
		Scheme:     c.Scheme(),
		Host:       req.Host,
		RequestURI: requestURI,
		Header:     req.Header,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range res.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	return c.Blob(http.StatusOK, res.ContentType, res.Body)
}

func (h *ImageHandler) mapError(c echo.Context, err error) error {
	status, msg, reason := http.StatusInternalServerError, msgFetch, "fetch"
	switch {
	case errors.Is(err, service.ErrInvalidTarget):
		status, msg, reason = http.StatusBadRequest, msgInvalidTarget, "invalid_target"
	case errors.Is(err, service.ErrHostNotAllowed):
		status, msg, reason = http.StatusBadRequest, msgHostNotAllowed, "host_not_allowed"
	case errors.Is(err, service.ErrUpstreamStatus):
		msg, reason = msgResponseError, "upstream_status"
	case errors.Is(err, service.ErrUnsupportedMIME):
		msg, reason = msgUnsupportedMIME, "unsupported_mime"
	}

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "image request failed",
		"err", sanitizeError(err),
		"reason", reason,
		"status", status,
	)

	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(reason).Inc()
	}

	return c.String(status, msg)
}

// sanitizeError redacts URL credentials from error messages that may contain target URLs.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
