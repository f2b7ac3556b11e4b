package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/genstudio/internal/common"
	"github.com/suPer8Hu/genstudio/internal/generation"
)

func (h *Handler) AdminQueue(c *gin.Context) {
	limit := generation.DefaultPendingLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.Queue.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"items": jobs})
}

type reviewReq struct {
	Action string   `json:"action"`
	Tags   []string `json:"tags"`
	Notes  *string  `json:"notes"`
}

func (h *Handler) AdminReview(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req reviewReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	rev, job, err := h.Queue.SubmitReview(c.Request.Context(), c.Param("id"), uid, generation.ReviewInput{
		Action: req.Action,
		Tags:   req.Tags,
		Notes:  req.Notes,
	})
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"review": rev, "generation": job})
}

func (h *Handler) AdminReviewHistory(c *gin.Context) {
	revs, err := h.Queue.ListReviews(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, gin.H{"items": revs})
}
