package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"groupbuy/internal/service/rank"
	"groupbuy/pkg/utils"
)

const (
	defaultTopN = 10
	maxTopN     = 100
)

// RankReader leaderboard read operations
type RankReader interface {
	TopN(ctx context.Context, key string, n int) []rank.Entry
	RankOf(ctx context.Context, key, goodsID string) (rank.Entry, bool)
	Statistics(ctx context.Context, key string) rank.Stats
	UpdateTime(ctx context.Context, key string) (time.Time, bool)
}

// RankHandler read-only leaderboard view
type RankHandler struct {
	reader RankReader
}

// NewRankHandler creates rank handler
func NewRankHandler(reader RankReader) *RankHandler {
	return &RankHandler{reader: reader}
}

// BoardView one leaderboard page
type BoardView struct {
	Board      string       `json:"board"`
	Entries    []rank.Entry `json:"entries"`
	Stats      rank.Stats   `json:"stats"`
	UpdateTime int64        `json:"updateTime,omitempty"`
}

// GetBoard top n of a board
// GET /rank/:activityId?window=DAY&windowKey=20260101&n=10
func (h *RankHandler) GetBoard(c *gin.Context) {
	key, ok := boardKey(c)
	if !ok {
		return
	}

	n := defaultTopN
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			utils.ErrorResponse(c, http.StatusBadRequest, utils.ErrInvalidParam, nil)
			return
		}
		if v > maxTopN {
			v = maxTopN
		}
		n = v
	}

	ctx := c.Request.Context()
	view := BoardView{
		Board:   key,
		Entries: h.reader.TopN(ctx, key, n),
		Stats:   h.reader.Statistics(ctx, key),
	}
	if t, ok := h.reader.UpdateTime(ctx, key); ok {
		view.UpdateTime = t.UnixMilli()
	}
	utils.SuccessResponse(c, view)
}

// GetGoodsRank position of one goods on a board
// GET /rank/:activityId/goods/:goodsId
func (h *RankHandler) GetGoodsRank(c *gin.Context) {
	key, ok := boardKey(c)
	if !ok {
		return
	}
	goodsID := c.Param("goodsId")
	if goodsID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, utils.ErrInvalidParam, nil)
		return
	}

	entry, found := h.reader.RankOf(c.Request.Context(), key, goodsID)
	if !found {
		utils.ErrorResponse(c, http.StatusNotFound, utils.ErrNotFound, nil)
		return
	}
	utils.SuccessResponse(c, entry)
}

func boardKey(c *gin.Context) (string, bool) {
	activityID, err := strconv.ParseInt(c.Param("activityId"), 10, 64)
	if err != nil || activityID <= 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, utils.ErrInvalidParam, nil)
		return "", false
	}
	return rank.BoardKey(activityID, c.Query("window"), c.Query("windowKey")), true
}
