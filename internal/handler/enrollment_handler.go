package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/middleware"
	"github.com/noah-isme/matricula-api/internal/models"
	"github.com/noah-isme/matricula-api/internal/service"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/response"
)

// EnrollmentHandler exposes enrollment lifecycle endpoints.
type EnrollmentHandler struct {
	enrollments *service.EnrollmentService
	audit       *service.AuditService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments *service.EnrollmentService, audit *service.AuditService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, audit: audit}
}

// CancelEnrollmentRequest carries an optional cancellation reason.
type CancelEnrollmentRequest struct {
	Reason string `json:"reason"`
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param institutionId query string false "Filter by institution"
// @Param courseId query string false "Filter by course"
// @Param poloId query string false "Filter by polo"
// @Param status query string false "Filter by status"
// @Param search query string false "Search by student name, email or reference"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.InstitutionID = c.Query("institutionId")
	filter.CourseID = c.Query("courseId")
	filter.PoloID = c.Query("poloId")
	filter.Status = models.EnrollmentStatus(c.Query("status"))
	filter.Search = strings.TrimSpace(c.Query("search"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment detail
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Create godoc
// @Summary Create enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.CreateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req service.CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	enrollment, err := h.enrollments.Create(c.Request.Context(), req, middleware.ActorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// GeneratePaymentLink godoc
// @Summary Generate or return the hosted payment link
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/payment-link [post]
func (h *EnrollmentHandler) GeneratePaymentLink(c *gin.Context) {
	link, err := h.enrollments.GeneratePaymentLink(c.Request.Context(), c.Param("id"), middleware.ActorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// Cancel godoc
// @Summary Cancel enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body CancelEnrollmentRequest false "Cancellation reason"
// @Success 204 {object} nil
// @Router /enrollments/{id}/cancel [post]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	var req CancelEnrollmentRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.enrollments.Cancel(c.Request.Context(), c.Param("id"), middleware.ActorID(c), req.Reason); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Reconcile godoc
// @Summary Reconcile enrollment status against the billing gateway
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/reconcile [post]
func (h *EnrollmentHandler) Reconcile(c *gin.Context) {
	result, err := h.enrollments.Reconcile(c.Request.Context(), c.Param("id"), middleware.ActorID(c), models.ChannelAPI)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// History godoc
// @Summary Export the enrollment audit timeline
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param format query string false "json, csv or pdf"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/history [get]
func (h *EnrollmentHandler) History(c *gin.Context) {
	id := c.Param("id")
	switch c.DefaultQuery("format", "json") {
	case "csv":
		data, err := h.audit.RenderCSV(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="enrollment-history.csv"`)
		c.Data(http.StatusOK, "text/csv", data)
	case "pdf":
		data, err := h.audit.RenderPDF(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="enrollment-history.pdf"`)
		c.Data(http.StatusOK, "application/pdf", data)
	default:
		records, err := h.audit.Records(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusOK, records, nil)
	}
}
