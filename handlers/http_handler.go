package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HttpHandler struct {
	uploadService services.UploadService
	assetService  services.AssetService
	quotaService  services.QuotaService

	checks []health.ReadinessCheck
	logger logger.Logger
}

func NewHttpHandler(
	uploadSvc services.UploadService,
	assetSvc services.AssetService,
	quotaSvc services.QuotaService,
	checks []health.ReadinessCheck,
	l logger.Logger,
) *HttpHandler {
	return &HttpHandler{
		uploadService: uploadSvc,
		assetService:  assetSvc,
		quotaService:  quotaSvc,
		checks:        checks,
		logger:        l,
	}
}

// Router builds the gin engine. gatherer may be nil to omit /metrics.
func (h *HttpHandler) Router(corsOrigins []string, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.logger))

	if len(corsOrigins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = corsOrigins
		cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions}
		r.Use(cors.New(cfg))
	}

	r.GET("/healthz", h.Healthz)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")

	uploads := api.Group("/uploads")
	uploads.POST("", h.InitiateUpload)
	uploads.POST("/:assetId/parts", h.NotifyPart)
	uploads.POST("/:assetId/complete", h.CompleteUpload)
	uploads.GET("/:assetId/status", h.UploadStatus)
	uploads.POST("/:assetId/resume", h.ResumeUpload)
	uploads.POST("/:assetId/abort", h.AbortUpload)

	assets := api.Group("/assets")
	assets.GET("/:assetId", h.GetAsset)
	assets.PATCH("/:assetId", h.UpdateAsset)
	assets.GET("/:assetId/access-url", h.AccessURL)

	inst := api.Group("/institutions/:institutionId")
	inst.GET("/assets", h.InstitutionAssets)
	inst.GET("/uploads", h.InstitutionUploads)
	inst.GET("/quota", h.Quota)
	inst.PUT("/quota/:assetType", h.SetQuota)

	return r
}

func (h *HttpHandler) InitiateUpload(c *gin.Context) {
	var req models.InitiateUploadRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.uploadService.InitiateUpload(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *HttpHandler) NotifyPart(c *gin.Context) {
	var req models.NotifyPartRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.uploadService.NotifyPartCompleted(c.Request.Context(), c.Param("assetId"), req.PartNumber, req.ETag)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) CompleteUpload(c *gin.Context) {
	asset, err := h.uploadService.CompleteUpload(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *HttpHandler) UploadStatus(c *gin.Context) {
	status, err := h.uploadService.GetUploadStatus(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HttpHandler) ResumeUpload(c *gin.Context) {
	resp, err := h.uploadService.ResumeUpload(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) AbortUpload(c *gin.Context) {
	status, err := h.uploadService.AbortUpload(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HttpHandler) GetAsset(c *gin.Context) {
	asset, err := h.assetService.GetAsset(c.Request.Context(), c.Param("assetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *HttpHandler) UpdateAsset(c *gin.Context) {
	var req models.UpdateAssetRequest
	if !h.bind(c, &req) {
		return
	}

	asset, err := h.assetService.UpdateDetails(c.Request.Context(), c.Param("assetId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (h *HttpHandler) AccessURL(c *gin.Context) {
	var expiry int64
	if raw := c.Query("expiry_seconds"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(c, cerr.InvalidField("expiry_seconds", "must be an integer"))
			return
		}
		expiry = v
	}

	url, err := h.assetService.GetAccessURL(c.Request.Context(), c.Param("assetId"), expiry)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, url)
}

func (h *HttpHandler) InstitutionAssets(c *gin.Context) {
	assets, err := h.assetService.ListInstitutionAssets(c.Request.Context(), c.Param("institutionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func (h *HttpHandler) InstitutionUploads(c *gin.Context) {
	uploads, err := h.uploadService.ListInstitutionUploads(c.Request.Context(), c.Param("institutionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

func (h *HttpHandler) Quota(c *gin.Context) {
	records, err := h.quotaService.Usage(c.Request.Context(), c.Param("institutionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": records})
}

func (h *HttpHandler) SetQuota(c *gin.Context) {
	var req models.SetQuotaRequest
	if !h.bind(c, &req) {
		return
	}

	rec, err := h.quotaService.SetLimit(c.Request.Context(), c.Param("institutionId"), c.Param("assetType"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Healthz reports 503 while any store fails its readiness check.
func (h *HttpHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for _, check := range h.checks {
		if err := check.IsReady(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[check.Name()] = err.Error()
			continue
		}
		checks[check.Name()] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unavailable"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (h *HttpHandler) bind(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		h.respondError(c, cerr.InvalidField("body", err.Error()))
		return false
	}
	return true
}
