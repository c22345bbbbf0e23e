package ingestion

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"relay/internal/logger"
	"relay/pkg/errors"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		messages := v1.Group("/messages")
		{
			messages.POST("", h.IngestMessage)
			messages.GET("/:id", h.GetMessage)
			messages.PATCH("/:id/status", h.UpdateMessageStatus)
		}
	}
}

// IngestMessage accepts a raw message and runs it through the pipeline.
// The response body is always the ProcessingResult: 202 when queued,
// 200 when suppressed as a duplicate, and the error's HTTP status when
// processing failed.
func (h *Handler) IngestMessage(c *gin.Context) {
	var incoming IncomingMessage
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.Service.Process(c.Request.Context(), incoming)
	if err != nil {
		h.Logger.WarnwCtx(c.Request.Context(), "message ingestion failed",
			"error", err,
			"organization_id", incoming.OrganizationID)
		c.JSON(errors.ToHTTPStatus(err), result)
		return
	}

	status := http.StatusAccepted
	if result.Status == ProcessingCompleted {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) GetMessage(c *gin.Context) {
	msg, err := h.Service.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, msg)
}

func (h *Handler) UpdateMessageStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	msg, err := h.Service.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, req.Metadata)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, msg)
}
