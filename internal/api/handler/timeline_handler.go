package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-feed/internal/feedcache"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/service"
	"github.com/d60-Lab/timeline-feed/pkg/response"
)

type timelineResponse struct {
	Posts      []model.PostRef `json:"posts"`
	NextCursor *string         `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}

// GetTimeline 读取一页时间线
// @Summary 用户时间线（游标分页）
// @Tags 时间线
// @Produce json
// @Param user_id path string true "用户ID"
// @Param page_size query int false "每页数量"
// @Param cursor query string false "上一页返回的 next_cursor"
// @Success 200 {object} response.Response{data=timelineResponse}
// @Failure 400 {object} response.Response
// @Router /api/v1/timeline/{user_id} [get]
func (h *Handler) GetTimeline(c *gin.Context) {
	userID := c.Param("user_id")
	pageSize := 0
	if s := c.Query("page_size"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			response.BadRequest(c, "page_size must be a non-negative integer")
			return
		}
		pageSize = v
	}
	page, err := h.timeline.GetTimeline(c.Request.Context(), userID, pageSize, c.Query("cursor"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	resp := timelineResponse{Posts: page.Posts, HasMore: page.HasMore}
	if page.NextCursor != "" {
		next := page.NextCursor
		resp.NextCursor = &next
	}
	response.Success(c, resp)
}

// InvalidateTimeline 删除用户的全部缓存页
// @Summary 失效用户时间线缓存
// @Tags 时间线
// @Param user_id path string true "用户ID"
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/timeline/{user_id}/invalidate [post]
func (h *Handler) InvalidateTimeline(c *gin.Context) {
	if err := h.timeline.InvalidateForUser(c.Request.Context(), c.Param("user_id")); err != nil {
		if errors.Is(err, feedcache.ErrCacheUnavailable) {
			response.ServiceUnavailable(c, "timeline cache unavailable")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}

// TriggerRefresh 投递一次全量刷新
// @Summary 全量刷新活跃用户缓存
// @Tags 刷新任务
// @Success 202 {object} response.Response
// @Failure 409 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/timeline/refresh [post]
func (h *Handler) TriggerRefresh(c *gin.Context) {
	id, err := h.refresh.EnqueueBulk()
	switch {
	case errors.Is(err, service.ErrBulkInFlight):
		c.JSON(http.StatusConflict, response.Response{Code: http.StatusConflict, Message: err.Error()})
	case errors.Is(err, service.ErrQueueFull):
		response.ServiceUnavailable(c, err.Error())
	case err != nil:
		response.InternalError(c, err)
	default:
		response.Accepted(c, gin.H{"job_id": id})
	}
}

// GetJob 查询刷新任务状态
// @Summary 刷新任务状态
// @Tags 刷新任务
// @Param id path string true "任务ID"
// @Success 200 {object} response.Response{data=service.Job}
// @Failure 404 {object} response.Response
// @Router /api/v1/jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.refresh.Job(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, job)
}

// Health 依赖检查，任一失败返回 503
func (h *Handler) Health(c *gin.Context) {
	status := gin.H{}
	healthy := true
	for _, chk := range h.checks {
		if err := chk.Ping(c.Request.Context()); err != nil {
			status[chk.Name] = err.Error()
			healthy = false
			continue
		}
		status[chk.Name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, response.Response{Code: http.StatusServiceUnavailable, Message: "unhealthy", Data: status})
		return
	}
	response.Success(c, status)
}
