// Package server exposes the post and comment stores over a local HTTP gateway.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/comments"
	"github.com/MarcoPoloResearchLab/postsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/postsync/internal/posts"
	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingPostStore    = errors.New("post store dependency required")
	errMissingCommentStore = errors.New("comment store dependency required")
)

type Dependencies struct {
	Posts    *posts.Store
	Comments *comments.Store
	Logger   *zap.Logger
	// HeartbeatInterval spaces the keep-alive events of /events.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Posts == nil {
		return nil, errMissingPostStore
	}
	if deps.Comments == nil {
		return nil, errMissingCommentStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		posts:     deps.Posts,
		comments:  deps.Comments,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/posts", handler.listPosts)
	router.POST("/posts/reload", handler.reloadPosts)
	router.POST("/posts", handler.createPost)
	router.GET("/posts/:id", handler.getPost)
	router.PUT("/posts/:id", handler.updatePost)
	router.DELETE("/posts/:id", handler.deletePost)

	router.GET("/posts/:id/comments", handler.listComments)
	router.POST("/posts/:id/comments", handler.createComment)
	router.DELETE("/posts/:id/comments", handler.clearComments)
	router.PUT("/posts/:id/comments/:commentID", handler.updateComment)
	router.DELETE("/posts/:id/comments/:commentID", handler.deleteComment)

	router.GET("/status", handler.status)
	router.DELETE("/status/errors", handler.clearErrors)
	router.GET("/events", handler.streamEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	posts       *posts.Store
	comments    *comments.Store
	logger      *zap.Logger
	heartbeat   time.Duration
	postsLoaded atomic.Bool
}

type statusPayload struct {
	Posts    optimistic.StatusSnapshot `json:"posts"`
	Comments optimistic.StatusSnapshot `json:"comments"`
}

func (h *httpHandler) listPosts(c *gin.Context) {
	query, err := parsePostQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
		return
	}
	if !h.postsLoaded.Load() {
		if _, err := h.posts.LoadAll(c.Request.Context()); err != nil {
			h.writeStoreError(c, err)
			return
		}
		h.postsLoaded.Store(true)
	}
	c.JSON(http.StatusOK, h.posts.Query(query))
}

func (h *httpHandler) reloadPosts(c *gin.Context) {
	if _, err := h.posts.LoadAll(c.Request.Context()); err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.postsLoaded.Store(true)
	c.JSON(http.StatusOK, h.posts.Query(posts.Query{}))
}

func (h *httpHandler) getPost(c *gin.Context) {
	id, ok := postIDParam(c)
	if !ok {
		return
	}
	post, err := h.posts.Get(c.Request.Context(), id)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *httpHandler) createPost(c *gin.Context) {
	var draft records.PostDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.posts.Create(c.Request.Context(), draft)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (h *httpHandler) updatePost(c *gin.Context) {
	id, ok := postIDParam(c)
	if !ok {
		return
	}
	var patch records.PostPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.posts.Update(c.Request.Context(), id, patch)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (h *httpHandler) deletePost(c *gin.Context) {
	id, ok := postIDParam(c)
	if !ok {
		return
	}
	if err := h.posts.Delete(c.Request.Context(), id); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) listComments(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	list, err := h.comments.ForPost(c.Request.Context(), postID)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) createComment(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	var draft records.CommentDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	draft.PostID = postID
	comment, err := h.comments.Create(c.Request.Context(), draft)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) updateComment(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	commentID, ok := commentIDParam(c)
	if !ok {
		return
	}
	var patch records.CommentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.comments.Update(c.Request.Context(), commentID, postID, patch)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) deleteComment(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	commentID, ok := commentIDParam(c)
	if !ok {
		return
	}
	if err := h.comments.Delete(c.Request.Context(), commentID, postID); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) clearComments(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		return
	}
	h.comments.ClearPost(postID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusPayload{
		Posts:    h.posts.Status(),
		Comments: h.comments.Status(),
	})
}

func (h *httpHandler) clearErrors(c *gin.Context) {
	h.posts.ClearError()
	h.comments.ClearError()
	c.Status(http.StatusNoContent)
}

// writeStoreError maps coherency failures and remote 404s to 404 and other remote failures to 502.
func (h *httpHandler) writeStoreError(c *gin.Context, err error) {
	var storeErr *optimistic.StoreError
	var remoteErr *remote.Error
	switch {
	case errors.Is(err, records.ErrNotCached) && errors.As(err, &storeErr):
		c.JSON(http.StatusNotFound, gin.H{"error": storeErr.Code(), "message": storeErr.Message()})
	case errors.As(err, &storeErr) && errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": storeErr.Code(), "message": storeErr.Message()})
	case errors.As(err, &storeErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": storeErr.Code(), "message": storeErr.Message()})
	default:
		h.logger.Error("unexpected gateway error", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func parsePostQuery(c *gin.Context) (posts.Query, error) {
	query := posts.Query{Search: c.Query("q")}

	switch sortBy := posts.SortField(strings.ToLower(c.DefaultQuery("sort", string(posts.SortByID)))); sortBy {
	case posts.SortByID, posts.SortByTitle:
		query.SortBy = sortBy
	default:
		return posts.Query{}, errors.New("sort must be id or title")
	}

	switch order := posts.SortOrder(strings.ToLower(c.DefaultQuery("order", string(posts.OrderAsc)))); order {
	case posts.OrderAsc, posts.OrderDesc:
		query.Order = order
	default:
		return posts.Query{}, errors.New("order must be asc or desc")
	}

	var err error
	if query.Page, err = positiveQueryInt(c, "page", 1); err != nil {
		return posts.Query{}, err
	}
	if query.PageSize, err = positiveQueryInt(c, "page_size", posts.DefaultPageSize); err != nil {
		return posts.Query{}, err
	}
	return query, nil
}

func positiveQueryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return value, nil
}

func postIDParam(c *gin.Context) (records.PostID, bool) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err == nil {
		if id, err := records.NewPostID(raw); err == nil {
			return id, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
	return 0, false
}

func commentIDParam(c *gin.Context) (records.CommentID, bool) {
	raw, err := strconv.ParseInt(c.Param("commentID"), 10, 64)
	if err == nil {
		if id, err := records.NewCommentID(raw); err == nil {
			return id, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_comment_id"})
	return 0, false
}
