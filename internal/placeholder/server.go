// Package placeholder serves a JSONPlaceholder-compatible API over a seeded SQLite dataset.
// Reads come from the database; writes are validated and echoed but never stored, like the
// public service.
package placeholder

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const subjectContextKey = "placeholder_subject"

var (
	errMissingDatabase      = errors.New("database dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies bundles the collaborators of the fixture API.
type Dependencies struct {
	DB *gorm.DB
	// Tokens enables bearer authentication when set.
	Tokens TokenValidator
	// FailWrites makes every POST, PUT and DELETE answer 500.
	FailWrites bool
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.DB == nil {
		return nil, errMissingDatabase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler := &httpHandler{
		db:     deps.DB,
		tokens: deps.Tokens,
		logger: logger,
	}

	api := router.Group("/")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	if deps.FailWrites {
		api.Use(failWrites)
	}

	api.GET("/posts", handler.listPosts)
	api.GET("/posts/:id", handler.getPost)
	api.GET("/posts/:id/comments", handler.listPostComments)
	api.POST("/posts", handler.createRecord(&PostRow{}))
	api.PUT("/posts/:id", handler.updateRecord(&PostRow{}))
	api.DELETE("/posts/:id", handler.deleteRecord)

	api.GET("/comments", handler.listComments)
	api.GET("/comments/:id", handler.getComment)
	api.POST("/comments", handler.createRecord(&CommentRow{}))
	api.PUT("/comments/:id", handler.updateRecord(&CommentRow{}))
	api.DELETE("/comments/:id", handler.deleteRecord)

	return router, nil
}

type httpHandler struct {
	db     *gorm.DB
	tokens TokenValidator
	logger *zap.Logger
}

func (h *httpHandler) listPosts(c *gin.Context) {
	var rows []PostRow
	query := h.db.WithContext(c.Request.Context()).Order("id")
	if userID := c.Query("userId"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if err := query.Find(&rows).Error; err != nil {
		h.internalError(c, "failed to list posts", err)
		return
	}
	posts := make([]records.Post, 0, len(rows))
	for _, row := range rows {
		posts = append(posts, row.record())
	}
	c.JSON(http.StatusOK, posts)
}

func (h *httpHandler) getPost(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var row PostRow
	if !h.take(c, &row, id) {
		return
	}
	c.JSON(http.StatusOK, row.record())
}

func (h *httpHandler) listPostComments(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	h.writeComments(c, strconv.FormatInt(id, 10))
}

func (h *httpHandler) listComments(c *gin.Context) {
	h.writeComments(c, c.Query("postId"))
}

func (h *httpHandler) writeComments(c *gin.Context, postID string) {
	var rows []CommentRow
	query := h.db.WithContext(c.Request.Context()).Order("id")
	if postID != "" {
		query = query.Where("post_id = ?", postID)
	}
	if err := query.Find(&rows).Error; err != nil {
		h.internalError(c, "failed to list comments", err)
		return
	}
	comments := make([]records.Comment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, row.record())
	}
	c.JSON(http.StatusOK, comments)
}

func (h *httpHandler) getComment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var row CommentRow
	if !h.take(c, &row, id) {
		return
	}
	c.JSON(http.StatusOK, row.record())
}

// createRecord echoes the payload with the identifier the next insert would get. Nothing is
// stored, so every create of a kind answers with the same identifier.
func (h *httpHandler) createRecord(model any) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		var count int64
		if err := h.db.WithContext(c.Request.Context()).Model(model).Count(&count).Error; err != nil {
			h.internalError(c, "failed to count records", err)
			return
		}
		payload["id"] = count + 1
		c.JSON(http.StatusCreated, payload)
	}
}

// updateRecord echoes the payload for a seeded identifier. Unknown identifiers fail with 500,
// which is what the public service does.
func (h *httpHandler) updateRecord(model any) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		var count int64
		if err := h.db.WithContext(c.Request.Context()).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
			h.internalError(c, "failed to look up record", err)
			return
		}
		if count == 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record_not_found"})
			return
		}
		payload["id"] = id
		c.JSON(http.StatusOK, payload)
	}
}

func (h *httpHandler) deleteRecord(c *gin.Context) {
	if _, ok := parseID(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) take(c *gin.Context, row any, id int64) bool {
	err := h.db.WithContext(c.Request.Context()).Where("id = ?", id).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{})
		return false
	}
	if err != nil {
		h.internalError(c, "failed to load record", err)
		return false
	}
	return true
}

func (h *httpHandler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func failWrites(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "writes_disabled"})
		return
	}
	c.Next()
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{})
		return 0, false
	}
	return id, true
}

func (row PostRow) record() records.Post {
	return records.Post{ID: records.PostID(row.ID), UserID: row.UserID, Title: row.Title, Body: row.Body}
}

func (row CommentRow) record() records.Comment {
	return records.Comment{
		ID:     records.CommentID(row.ID),
		PostID: records.PostID(row.PostID),
		Name:   row.Name,
		Email:  row.Email,
		Body:   row.Body,
	}
}
