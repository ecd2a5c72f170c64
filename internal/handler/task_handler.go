package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"taskmanager/internal/dependency"
	"taskmanager/internal/logger"
	"taskmanager/internal/middleware"
	"taskmanager/internal/model"
	"taskmanager/internal/repository"
	"taskmanager/internal/service"
	"taskmanager/internal/status"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TaskHandler struct {
	tasks *service.TaskService
	log   *zap.Logger
}

func NewTaskHandler(tasks *service.TaskService, log *zap.Logger) *TaskHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, log: log}
}

// CreateTaskRequest представляет запрос на создание задачи
type CreateTaskRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  string     `json:"description"`
	DueDate      *time.Time `json:"dueDate" binding:"required"`
	Priority     string     `json:"priority" binding:"omitempty,taskpriority"`
	Status       string     `json:"status" binding:"omitempty,taskstatus"`
	Tags         []string   `json:"tags"`
	Dependencies []string   `json:"dependencies" binding:"omitempty,dive,uuid"`
}

// UpdateTaskRequest представляет частичное обновление задачи.
// Отсутствующие поля не изменяются.
type UpdateTaskRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	DueDate      *time.Time `json:"dueDate"`
	Priority     *string    `json:"priority" binding:"omitempty,taskpriority"`
	Status       *string    `json:"status" binding:"omitempty,taskstatus"`
	Tags         *[]string  `json:"tags"`
	Dependencies *[]string  `json:"dependencies" binding:"omitempty,dive,uuid"`
}

// ValidateDependenciesRequest проверяет список зависимостей без сохранения
type ValidateDependenciesRequest struct {
	TaskID       *string  `json:"taskId" binding:"omitempty,uuid"`
	Dependencies []string `json:"dependencies" binding:"omitempty,dive,uuid"`
}

type DependencyResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// TaskResponse представляет ответ с данными задачи
type TaskResponse struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	DueDate      string               `json:"dueDate"`
	Priority     string               `json:"priority"`
	Status       string               `json:"status"`
	IsOverdue    bool                 `json:"isOverdue"`
	Blocked      bool                 `json:"blocked"`
	Tags         []string             `json:"tags"`
	Dependencies []DependencyResponse `json:"dependencies"`
	User         string               `json:"user"`
	CreatedAt    string               `json:"createdAt"`
	UpdatedAt    string               `json:"updatedAt"`
}

type TaskListResponse struct {
	Results int            `json:"results"`
	Tasks   []TaskResponse `json:"tasks"`
}

type BoardColumnResponse struct {
	Status string         `json:"status"`
	Tasks  []TaskResponse `json:"tasks"`
}

type CalendarDayResponse struct {
	Date  string         `json:"date"`
	Tasks []TaskResponse `json:"tasks"`
}

type GraphNodeResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Blocked bool   `json:"blocked"`
}

type GraphEdgeResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type GraphResponse struct {
	Nodes []GraphNodeResponse `json:"nodes"`
	Edges []GraphEdgeResponse `json:"edges"`
}

func newTaskResponse(v service.TaskView) TaskResponse {
	t := v.Task
	resp := TaskResponse{
		ID:           t.ID.String(),
		Title:        t.Title,
		Description:  t.Description,
		DueDate:      t.DueDate.UTC().Format(time.RFC3339),
		Priority:     string(t.Priority),
		Status:       string(v.Status),
		IsOverdue:    v.Late,
		Blocked:      v.Blocked,
		Tags:         t.Tags,
		Dependencies: make([]DependencyResponse, 0, len(v.Dependencies)),
		User:         t.OwnerID.String(),
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	for _, d := range v.Dependencies {
		resp.Dependencies = append(resp.Dependencies, DependencyResponse{
			ID:      d.ID.String(),
			Title:   d.Title,
			Status:  string(d.Status),
			Missing: d.Missing,
		})
	}
	return resp
}

func newTaskResponses(views []service.TaskView) []TaskResponse {
	out := make([]TaskResponse, 0, len(views))
	for _, v := range views {
		out = append(out, newTaskResponse(v))
	}
	return out
}

// Create godoc
// @Summary      Create a task
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body CreateTaskRequest true "Task"
// @Success      201 {object} TaskResponse
// @Failure      400 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /api/tasks [post]
func (h *TaskHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	deps, err := parseUUIDs(req.Dependencies)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dependency ID format"})
		return
	}

	view, err := h.tasks.Create(c.Request.Context(), userID, service.CreateTaskInput{
		Title:        req.Title,
		Description:  req.Description,
		DueDate:      *req.DueDate,
		Priority:     model.Priority(req.Priority),
		Status:       status.Status(req.Status),
		Tags:         req.Tags,
		Dependencies: deps,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newTaskResponse(*view))
}

// GetAll godoc
// @Summary      List tasks
// @Description  Tasks of the current user sorted by due date
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Param        status     query string false "Status"
// @Param        priority   query string false "Priority"
// @Param        startDate  query string false "Due on or after (RFC 3339 or YYYY-MM-DD)"
// @Param        endDate    query string false "Due on or before (RFC 3339 or YYYY-MM-DD)"
// @Param        tag        query string false "Tag"
// @Param        search     query string false "Text in title or description"
// @Success      200 {object} TaskListResponse
// @Failure      400 {object} ErrorResponse
// @Router       /api/tasks [get]
func (h *TaskHandler) GetAll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var filter repository.TaskFilter
	if v := c.Query("status"); v != "" {
		st, ok := status.Parse(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		filter.Status = &st
	}
	if v := c.Query("priority"); v != "" {
		p := model.Priority(v)
		if !p.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid priority"})
			return
		}
		filter.Priority = &p
	}

	from, err := parseDateParam(c.Query("startDate"), false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid startDate"})
		return
	}
	to, err := parseDateParam(c.Query("endDate"), true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid endDate"})
		return
	}
	filter.From, filter.To = from, to
	filter.Search = c.Query("search")

	views, err := h.tasks.List(c.Request.Context(), userID, service.ListQuery{Filter: filter, Tag: c.Query("tag")})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TaskListResponse{Results: len(views), Tasks: newTaskResponses(views)})
}

// GetByID godoc
// @Summary      Get a task
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Task ID"
// @Success      200 {object} TaskResponse
// @Failure      404 {object} ErrorResponse
// @Router       /api/tasks/{id} [get]
func (h *TaskHandler) GetByID(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	view, err := h.tasks.Get(c.Request.Context(), userID, taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(*view))
}

// Update godoc
// @Summary      Update a task
// @Description  Partial update. A new dependency list is checked for unknown tasks and cycles.
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id      path string            true "Task ID"
// @Param        request body UpdateTaskRequest true "Fields to update"
// @Success      200 {object} TaskResponse
// @Failure      400 {object} ErrorResponse
// @Failure      404 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Failure      422 {object} ErrorResponse
// @Router       /api/tasks/{id} [patch]
func (h *TaskHandler) Update(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	patch := repository.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		Tags:        req.Tags,
	}
	if req.Priority != nil {
		p := model.Priority(*req.Priority)
		patch.Priority = &p
	}
	if req.Status != nil {
		st := status.Status(*req.Status)
		patch.Status = &st
	}
	if req.Dependencies != nil {
		deps, err := parseUUIDs(*req.Dependencies)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dependency ID format"})
			return
		}
		patch.Dependencies = &deps
	}

	view, err := h.tasks.Update(c.Request.Context(), userID, taskID, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(*view))
}

// Delete godoc
// @Summary      Delete a task
// @Tags         Tasks
// @Security     BearerAuth
// @Param        id path string true "Task ID"
// @Success      204
// @Failure      404 {object} ErrorResponse
// @Router       /api/tasks/{id} [delete]
func (h *TaskHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	if err := h.tasks.Delete(c.Request.Context(), userID, taskID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Toggle godoc
// @Summary      Toggle completion
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Task ID"
// @Success      200 {object} TaskResponse
// @Failure      404 {object} ErrorResponse
// @Router       /api/tasks/{id}/toggle [post]
func (h *TaskHandler) Toggle(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	view, err := h.tasks.Toggle(c.Request.Context(), userID, taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(*view))
}

// GetOverdue godoc
// @Summary      Overdue tasks
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} TaskListResponse
// @Router       /api/tasks/overdue [get]
func (h *TaskHandler) GetOverdue(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	views, err := h.tasks.Overdue(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TaskListResponse{Results: len(views), Tasks: newTaskResponses(views)})
}

// GetBoard godoc
// @Summary      Kanban board
// @Description  Tasks grouped by status
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Success      200 {array} BoardColumnResponse
// @Router       /api/tasks/board [get]
func (h *TaskHandler) GetBoard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	columns, err := h.tasks.Board(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := make([]BoardColumnResponse, 0, len(columns))
	for _, col := range columns {
		resp = append(resp, BoardColumnResponse{Status: string(col.Status), Tasks: newTaskResponses(col.Tasks)})
	}
	c.JSON(http.StatusOK, resp)
}

// GetCalendar godoc
// @Summary      Calendar
// @Description  Tasks grouped by due day (UTC)
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Param        from query string false "First day (RFC 3339 or YYYY-MM-DD)"
// @Param        to   query string false "Last day (RFC 3339 or YYYY-MM-DD)"
// @Success      200 {array} CalendarDayResponse
// @Failure      400 {object} ErrorResponse
// @Router       /api/tasks/calendar [get]
func (h *TaskHandler) GetCalendar(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	from, err := parseDateParam(c.Query("from"), false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date"})
		return
	}
	to, err := parseDateParam(c.Query("to"), true)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date"})
		return
	}

	days, err := h.tasks.Calendar(c.Request.Context(), userID, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := make([]CalendarDayResponse, 0, len(days))
	for _, d := range days {
		resp = append(resp, CalendarDayResponse{Date: d.Date, Tasks: newTaskResponses(d.Tasks)})
	}
	c.JSON(http.StatusOK, resp)
}

// GetGraph godoc
// @Summary      Dependency graph
// @Description  Edges point from a task to its prerequisite
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} GraphResponse
// @Router       /api/tasks/graph [get]
func (h *TaskHandler) GetGraph(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	g, err := h.tasks.Graph(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := GraphResponse{
		Nodes: make([]GraphNodeResponse, 0, len(g.Nodes)),
		Edges: make([]GraphEdgeResponse, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		resp.Nodes = append(resp.Nodes, GraphNodeResponse{
			ID:      n.ID.String(),
			Title:   n.Title,
			Status:  string(n.Status),
			Blocked: n.Blocked,
		})
	}
	for _, e := range g.Edges {
		resp.Edges = append(resp.Edges, GraphEdgeResponse{From: e.From.String(), To: e.To.String()})
	}
	c.JSON(http.StatusOK, resp)
}

// GetTags godoc
// @Summary      Distinct tags of the current user
// @Tags         Tasks
// @Produce      json
// @Security     BearerAuth
// @Success      200 {array} string
// @Router       /api/tasks/tags [get]
func (h *TaskHandler) GetTags(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	tags, err := h.tasks.Tags(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tags)
}

// ValidateDependencies godoc
// @Summary      Check a dependency list
// @Description  Runs the existence and cycle checks without saving anything
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body ValidateDependenciesRequest true "Dependencies"
// @Success      200 {object} map[string]bool
// @Failure      400 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /api/tasks/dependencies/validate [post]
func (h *TaskHandler) ValidateDependencies(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req ValidateDependenciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var taskID *uuid.UUID
	if req.TaskID != nil {
		id, err := uuid.Parse(*req.TaskID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task ID format"})
			return
		}
		taskID = &id
	}
	deps, err := parseUUIDs(req.Dependencies)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dependency ID format"})
		return
	}

	if err := h.tasks.ValidateDependencies(c.Request.Context(), userID, taskID, deps); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// respondError переводит ошибки сервиса в HTTP-ответ
func (h *TaskHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": ")})
	case errors.Is(err, dependency.ErrInvalidDependency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dependency.ErrCircularDependency):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dependency.ErrDependencyGraphTooLarge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	default:
		logger.FromContext(c.Request.Context(), h.log).Error("task request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong!"})
	}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
	}
	return userID, ok
}

func taskIDParam(c *gin.Context) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task ID format"})
		return uuid.Nil, false
	}
	return taskID, true
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseDateParam accepts RFC 3339 or a bare date. A bare end date covers
// the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
