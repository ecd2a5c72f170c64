package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"taskmanager/internal/auth"
	"taskmanager/internal/logger"
	"taskmanager/internal/middleware"
	"taskmanager/internal/model"
	"taskmanager/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UserHandler struct {
	repo   repository.UserRepositoryInterface
	tokens *auth.TokenManager
	log    *zap.Logger
}

func NewUserHandler(repo repository.UserRepositoryInterface, tokens *auth.TokenManager, log *zap.Logger) *UserHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &UserHandler{repo: repo, tokens: tokens, log: log}
}

// RegisterRequest представляет запрос на регистрацию
type RegisterRequest struct {
	Name            string `json:"name" binding:"required,min=2"`
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password" binding:"required,min=6"`
	PasswordConfirm string `json:"password_confirm" binding:"required,eqfield=Password"`
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// UpdateMeRequest представляет запрос на обновление профиля
type UpdateMeRequest struct {
	Name  *string `json:"name" binding:"omitempty,min=2"`
	Email *string `json:"email" binding:"omitempty,email"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AuthResponse представляет ответ с токеном и данными пользователя
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

func newUserResponse(u *model.User) UserResponse {
	resp := UserResponse{ID: u.ID.String(), Name: u.Name, Email: u.Email}
	if !u.CreatedAt.IsZero() {
		resp.CreatedAt = u.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// Register godoc
// @Summary      Register a new user
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        request body RegisterRequest true "User data"
// @Success      201 {object} AuthResponse
// @Failure      400 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /api/users/register [post]
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	ctx := c.Request.Context()

	existing, err := h.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		h.internalError(c, "find user by email", err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.internalError(c, "hash password", err)
		return
	}

	user := &model.User{
		Email:          req.Email,
		Name:           strings.TrimSpace(req.Name),
		HashedPassword: hash,
	}
	if err := h.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
			return
		}
		h.internalError(c, "create user", err)
		return
	}

	h.respondWithToken(c, http.StatusCreated, user)
}

// Login godoc
// @Summary      Log in
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        request body LoginRequest true "Credentials"
// @Success      200 {object} AuthResponse
// @Failure      401 {object} ErrorResponse
// @Router       /api/users/login [post]
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	user, err := h.repo.FindByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.internalError(c, "find user by email", err)
		return
	}
	// Одинаковый ответ для неизвестного email и неверного пароля
	if user == nil || !auth.CheckPassword(user.HashedPassword, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

// Me godoc
// @Summary      Current user
// @Tags         Users
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} UserResponse
// @Failure      401 {object} ErrorResponse
// @Router       /api/users/me [get]
func (h *UserHandler) Me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

// UpdateMe godoc
// @Summary      Update name or email of the current user
// @Tags         Users
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body UpdateMeRequest true "Fields to update"
// @Success      200 {object} UserResponse
// @Failure      400 {object} ErrorResponse
// @Failure      409 {object} ErrorResponse
// @Router       /api/users/me [patch]
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if req.Name == nil && req.Email == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if req.Name != nil {
		user.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		user.Email = strings.ToLower(strings.TrimSpace(*req.Email))
	}

	if err := h.repo.Update(c.Request.Context(), user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "User with this email already exists"})
			return
		}
		h.internalError(c, "update user", err)
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *UserHandler) currentUser(c *gin.Context) (*model.User, bool) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return nil, false
	}

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "get user", err)
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User no longer exists"})
		return nil, false
	}
	return user, true
}

func (h *UserHandler) respondWithToken(c *gin.Context, code int, user *model.User) {
	token, err := h.tokens.GenerateToken(user.ID.String())
	if err != nil {
		h.internalError(c, "generate token", err)
		return
	}
	c.JSON(code, AuthResponse{Token: token, User: newUserResponse(user)})
}

func (h *UserHandler) internalError(c *gin.Context, op string, err error) {
	logger.FromContext(c.Request.Context(), h.log).Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong!"})
}
