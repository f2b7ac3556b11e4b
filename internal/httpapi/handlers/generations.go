package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/common"
	"github.com/suPer8Hu/genstudio/internal/generation"
)

type generateReq struct {
	Kind           generation.Kind `json:"kind"`
	Mode           generation.Mode `json:"mode"`
	Prompt         string          `json:"prompt"`
	NegativePrompt *string         `json:"negative_prompt"`
	Seed           *int64          `json:"seed"`
	Steps          *int            `json:"steps"`
	Width          *int            `json:"width"`
	Height         *int            `json:"height"`
	Style          *string         `json:"style"`
	SourceRef      *string         `json:"source_ref"`
}

func (r generateReq) submit() generation.SubmitRequest {
	return generation.SubmitRequest{
		Kind:           r.Kind,
		Mode:           r.Mode,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Seed:           r.Seed,
		Steps:          r.Steps,
		Width:          r.Width,
		Height:         r.Height,
		Style:          r.Style,
		SourceRef:      r.SourceRef,
	}
}

// GenerateImage accepts kind image (txt2img, or img2img with a source) or upscale.
func (h *Handler) GenerateImage(c *gin.Context) {
	h.generate(c, func(req *generation.SubmitRequest) bool {
		if req.Kind == "" {
			req.Kind = generation.KindImage
		}
		return req.Kind == generation.KindImage || req.Kind == generation.KindUpscale
	})
}

func (h *Handler) GenerateImageFrom(c *gin.Context) {
	h.generate(c, func(req *generation.SubmitRequest) bool {
		req.Kind = generation.KindImage
		req.Operation = backend.OpImg2Img
		return true
	})
}

func (h *Handler) GenerateVideo(c *gin.Context) {
	h.generate(c, func(req *generation.SubmitRequest) bool {
		req.Kind = generation.KindVideo
		return true
	})
}

func (h *Handler) generate(c *gin.Context, shape func(*generation.SubmitRequest) bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var body generateReq
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req := body.submit()
	if !shape(&req) {
		common.Fail(c, http.StatusBadRequest, 10002, "kind: not accepted by this endpoint")
		return
	}

	job, err := h.Svc.Submit(c.Request.Context(), uid, req)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, job)
}

// GetGeneration hides jobs owned by other users behind a 404.
func (h *Handler) GetGeneration(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	job, err := h.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	if job.UserID != uid {
		h.failErr(c, generation.ErrNotFound)
		return
	}
	common.OK(c, job)
}

func (h *Handler) ListGenerations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.Svc.ListByUser(c.Request.Context(), uid, limit, c.Query("before_id"))
	if err != nil {
		h.failErr(c, err)
		return
	}

	var next string
	if len(jobs) > 0 {
		next = jobs[len(jobs)-1].ID
	}
	common.OK(c, gin.H{"items": jobs, "next_before_id": next})
}
