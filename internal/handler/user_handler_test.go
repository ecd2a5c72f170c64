package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskmanager/internal/auth"
	"taskmanager/internal/handler"
	"taskmanager/internal/middleware"
	"taskmanager/internal/model"
	"taskmanager/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"
)

// Мок репозитория пользователей
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx context.Context, user *model.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	args := m.Called(ctx, email)
	user := args.Get(0)
	if user == nil {
		return nil, args.Error(1)
	}
	return user.(*model.User), args.Error(1)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	args := m.Called(ctx, id)
	user := args.Get(0)
	if user == nil {
		return nil, args.Error(1)
	}
	return user.(*model.User), args.Error(1)
}

func (m *MockUserRepository) Update(ctx context.Context, user *model.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

var testTokens = auth.NewTokenManager("test-secret", time.Hour)

func setupTest() (*gin.Engine, *MockUserRepository) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mockRepo := new(MockUserRepository)
	userHandler := handler.NewUserHandler(mockRepo, testTokens, nil)

	r.POST("/register", userHandler.Register)
	r.POST("/login", userHandler.Login)

	me := r.Group("/me", middleware.JWTAuthMiddleware(testTokens))
	me.GET("", userHandler.Me)
	me.PATCH("", userHandler.UpdateMe)

	return r, mockRepo
}

func doJSON(r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func errorOf(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body["error"]
}

func TestRegister_Success(t *testing.T) {
	// Arrange
	router, mockRepo := setupTest()

	// Мокаем методы репозитория
	mockRepo.On("FindByEmail", mock.Anything, "test@example.com").Return(nil, nil)
	mockRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.User")).Return(nil)

	reqBody := handler.RegisterRequest{
		Name:            "Test User",
		Email:           "Test@Example.com",
		Password:        "password123",
		PasswordConfirm: "password123",
	}

	// Act
	resp := doJSON(router, "POST", "/register", reqBody, "")

	// Assert
	assert.Equal(t, http.StatusCreated, resp.Code)

	var response handler.AuthResponse
	err := json.Unmarshal(resp.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.NotEmpty(t, response.Token)
	assert.Equal(t, reqBody.Name, response.User.Name)
	assert.Equal(t, "test@example.com", response.User.Email)

	created := mockRepo.Calls[1].Arguments.Get(1).(*model.User)
	assert.True(t, auth.CheckPassword(created.HashedPassword, "password123"))

	mockRepo.AssertExpectations(t)
}

func TestRegister_PasswordMismatch(t *testing.T) {
	router, mockRepo := setupTest()

	resp := doJSON(router, "POST", "/register", handler.RegisterRequest{
		Name:            "Test User",
		Email:           "test@example.com",
		Password:        "password123",
		PasswordConfirm: "password124",
	}, "")

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	mockRepo.AssertNotCalled(t, "FindByEmail", mock.Anything, mock.Anything)
}

func TestRegister_UserAlreadyExists(t *testing.T) {
	// Arrange
	router, mockRepo := setupTest()

	// Мокаем методы репозитория - пользователь уже существует
	existingUser := &model.User{
		ID:             uuid.New(),
		Email:          "existing@example.com",
		HashedPassword: "hashed_password",
		Name:           "Existing User",
	}
	mockRepo.On("FindByEmail", mock.Anything, "existing@example.com").Return(existingUser, nil)

	reqBody := handler.RegisterRequest{
		Name:            "Test User",
		Email:           "existing@example.com",
		Password:        "password123",
		PasswordConfirm: "password123",
	}

	// Act
	resp := doJSON(router, "POST", "/register", reqBody, "")

	// Assert
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "User with this email already exists", errorOf(t, resp))

	mockRepo.AssertExpectations(t)
}

func TestRegister_RaceOnEmail(t *testing.T) {
	router, mockRepo := setupTest()

	mockRepo.On("FindByEmail", mock.Anything, "test@example.com").Return(nil, nil)
	mockRepo.On("Create", mock.Anything, mock.Anything).Return(repository.ErrEmailTaken)

	resp := doJSON(router, "POST", "/register", handler.RegisterRequest{
		Name:            "Test User",
		Email:           "test@example.com",
		Password:        "password123",
		PasswordConfirm: "password123",
	}, "")

	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestLogin_Success(t *testing.T) {
	// Arrange
	router, mockRepo := setupTest()

	// Создаем хешированный пароль для тестового пользователя
	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	testUser := &model.User{
		ID:             uuid.New(),
		Email:          "test@example.com",
		HashedPassword: string(hashedPassword),
		Name:           "Test User",
	}

	// Мокаем метод репозитория
	mockRepo.On("FindByEmail", mock.Anything, "test@example.com").Return(testUser, nil)

	reqBody := handler.LoginRequest{
		Email:    "test@example.com",
		Password: "password123",
	}

	// Act
	resp := doJSON(router, "POST", "/login", reqBody, "")

	// Assert
	assert.Equal(t, http.StatusOK, resp.Code)

	var response handler.AuthResponse
	err := json.Unmarshal(resp.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.NotEmpty(t, response.Token)
	assert.Equal(t, testUser.Name, response.User.Name)
	assert.Equal(t, testUser.Email, response.User.Email)
	assert.Equal(t, testUser.ID.String(), response.User.ID)

	subject, err := testTokens.ParseToken(response.Token)
	assert.NoError(t, err)
	assert.Equal(t, testUser.ID.String(), subject)

	mockRepo.AssertExpectations(t)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	// Arrange
	router, mockRepo := setupTest()

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("correct_password"), bcrypt.DefaultCost)
	testUser := &model.User{
		ID:             uuid.New(),
		Email:          "test@example.com",
		HashedPassword: string(hashedPassword),
		Name:           "Test User",
	}

	mockRepo.On("FindByEmail", mock.Anything, "test@example.com").Return(testUser, nil)

	// Act
	resp := doJSON(router, "POST", "/login", handler.LoginRequest{
		Email:    "test@example.com",
		Password: "wrong_password",
	}, "")

	// Assert
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "Invalid credentials", errorOf(t, resp))

	mockRepo.AssertExpectations(t)
}

func TestLogin_UserNotFound(t *testing.T) {
	// Arrange
	router, mockRepo := setupTest()

	// Мокаем метод репозитория - пользователь не найден
	mockRepo.On("FindByEmail", mock.Anything, "nonexistent@example.com").Return(nil, nil)

	// Act
	resp := doJSON(router, "POST", "/login", handler.LoginRequest{
		Email:    "nonexistent@example.com",
		Password: "password123",
	}, "")

	// Assert
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "Invalid credentials", errorOf(t, resp))

	mockRepo.AssertExpectations(t)
}

func TestLogin_RepositoryError(t *testing.T) {
	router, mockRepo := setupTest()
	mockRepo.On("FindByEmail", mock.Anything, "test@example.com").Return(nil, errors.New("db down"))

	resp := doJSON(router, "POST", "/login", handler.LoginRequest{
		Email:    "test@example.com",
		Password: "password123",
	}, "")

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestMe(t *testing.T) {
	router, mockRepo := setupTest()
	user := &model.User{ID: uuid.New(), Email: "me@example.com", Name: "Me"}
	token, _ := testTokens.GenerateToken(user.ID.String())

	mockRepo.On("GetByID", mock.Anything, user.ID).Return(user, nil)

	resp := doJSON(router, "GET", "/me", nil, token)

	assert.Equal(t, http.StatusOK, resp.Code)
	var body handler.UserResponse
	assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, user.ID.String(), body.ID)
	assert.Equal(t, "me@example.com", body.Email)
}

func TestUpdateMe(t *testing.T) {
	router, mockRepo := setupTest()
	user := &model.User{ID: uuid.New(), Email: "me@example.com", Name: "Me"}
	token, _ := testTokens.GenerateToken(user.ID.String())

	mockRepo.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(u *model.User) bool {
		return u.Name == "New Name" && u.Email == "new@example.com"
	})).Return(nil).Once()

	name, email := "New Name", "NEW@example.com"
	resp := doJSON(router, "PATCH", "/me", handler.UpdateMeRequest{Name: &name, Email: &email}, token)

	assert.Equal(t, http.StatusOK, resp.Code)
	mockRepo.AssertExpectations(t)
}

func TestUpdateMe_EmailTaken(t *testing.T) {
	router, mockRepo := setupTest()
	user := &model.User{ID: uuid.New(), Email: "me@example.com", Name: "Me"}
	token, _ := testTokens.GenerateToken(user.ID.String())

	mockRepo.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	mockRepo.On("Update", mock.Anything, mock.Anything).Return(repository.ErrEmailTaken)

	email := "taken@example.com"
	resp := doJSON(router, "PATCH", "/me", handler.UpdateMeRequest{Email: &email}, token)

	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = doJSON(router, "PATCH", "/me", handler.UpdateMeRequest{}, token)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
