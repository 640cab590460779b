package records

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID indicates that an identifier is not a positive integer.
	ErrInvalidID = errors.New("records: invalid id")
	// ErrNotCached indicates that a mutation targets an identifier missing from the cache.
	ErrNotCached = errors.New("records: not found in cache")
)

// PostID identifies a post.
type PostID int64

// NewPostID validates raw input and returns a PostID.
func NewPostID(value int64) (PostID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: post %d", ErrInvalidID, value)
	}
	return PostID(value), nil
}

// Int64 exposes the raw identifier.
func (id PostID) Int64() int64 {
	return int64(id)
}

// CommentID identifies a comment.
type CommentID int64

// NewCommentID validates raw input and returns a CommentID.
func NewCommentID(value int64) (CommentID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: comment %d", ErrInvalidID, value)
	}
	return CommentID(value), nil
}

// Int64 exposes the raw identifier.
func (id CommentID) Int64() int64 {
	return int64(id)
}

// Post is a top-level content item.
type Post struct {
	ID     PostID `json:"id"`
	UserID int64  `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// PostDraft carries the fields of a post that has not been created yet.
type PostDraft struct {
	UserID int64  `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// PostPatch carries the editable fields of a post. Nil fields keep their cached value.
type PostPatch struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// Provisional builds the post stored in the cache before the remote side confirms it.
func (d PostDraft) Provisional(id PostID) Post {
	return Post{ID: id, UserID: d.UserID, Title: d.Title, Body: d.Body}
}

// Apply returns a copy of the post with the fields set in patch overwritten.
func (p Post) Apply(patch PostPatch) Post {
	merged := p
	overwrite(&merged.Title, patch.Title)
	overwrite(&merged.Body, patch.Body)
	return merged
}

// Comment belongs to exactly one post.
type Comment struct {
	ID     CommentID `json:"id"`
	PostID PostID    `json:"postId"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Body   string    `json:"body"`
}

// CommentDraft carries the fields of a comment that has not been created yet.
type CommentDraft struct {
	PostID PostID `json:"postId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Body   string `json:"body"`
}

// CommentPatch carries the editable fields of a comment. Nil fields keep their cached value.
type CommentPatch struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// Provisional builds the comment stored in the cache before the remote side confirms it.
func (d CommentDraft) Provisional(id CommentID) Comment {
	return Comment{ID: id, PostID: d.PostID, Name: d.Name, Email: d.Email, Body: d.Body}
}

// Apply returns a copy of the comment with the fields set in patch overwritten.
func (c Comment) Apply(patch CommentPatch) Comment {
	merged := c
	overwrite(&merged.Name, patch.Name)
	overwrite(&merged.Email, patch.Email)
	overwrite(&merged.Body, patch.Body)
	return merged
}

func overwrite(field *string, value *string) {
	if value != nil {
		*field = *value
	}
}
