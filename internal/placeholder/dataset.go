package placeholder

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	// SeededPosts is the number of posts in the fixture dataset.
	SeededPosts = 100
	// SeededComments is the number of comments in the fixture dataset.
	SeededComments = 500

	postsPerUser    = 10
	commentsPerPost = SeededComments / SeededPosts
	seedBatchSize   = 100
)

var seedWords = []string{
	"sunt", "aut", "facere", "repellat", "provident", "occaecati", "excepturi", "optio",
	"reprehenderit", "qui", "est", "esse", "ea", "molestias", "quasi", "exercitationem",
	"nesciunt", "eum", "et", "dolorem", "magnam", "voluptate", "odio", "rerum",
}

// PostRow is the stored form of a post.
type PostRow struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID int64  `gorm:"column:user_id;not null;index"`
	Title  string `gorm:"column:title;not null"`
	Body   string `gorm:"column:body;not null"`
}

func (PostRow) TableName() string {
	return "placeholder_posts"
}

// CommentRow is the stored form of a comment.
type CommentRow struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	PostID int64  `gorm:"column:post_id;not null;index"`
	Name   string `gorm:"column:name;not null"`
	Email  string `gorm:"column:email;not null"`
	Body   string `gorm:"column:body;not null"`
}

func (CommentRow) TableName() string {
	return "placeholder_comments"
}

// Models lists the tables owned by the fixture API.
func Models() []any {
	return []any{&PostRow{}, &CommentRow{}}
}

// Seed writes the fixture dataset. It replaces any rows already present.
func Seed(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&CommentRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&PostRow{}).Error; err != nil {
			return err
		}

		posts := make([]PostRow, 0, SeededPosts)
		for id := int64(1); id <= SeededPosts; id++ {
			posts = append(posts, PostRow{
				ID:     id,
				UserID: (id-1)/postsPerUser + 1,
				Title:  phrase(id, 4),
				Body:   phrase(id*7, 18),
			})
		}
		if err := tx.CreateInBatches(posts, seedBatchSize).Error; err != nil {
			return err
		}

		comments := make([]CommentRow, 0, SeededComments)
		for id := int64(1); id <= SeededComments; id++ {
			comments = append(comments, CommentRow{
				ID:     id,
				PostID: (id-1)/commentsPerPost + 1,
				Name:   phrase(id*3, 3),
				Email:  fmt.Sprintf("%s.%d@example.com", seedWords[id%int64(len(seedWords))], id),
				Body:   phrase(id*11, 12),
			})
		}
		return tx.CreateInBatches(comments, seedBatchSize).Error
	})
}

func phrase(seed int64, length int) string {
	words := make([]string, 0, length)
	for index := int64(0); index < int64(length); index++ {
		words = append(words, seedWords[(seed+index*5)%int64(len(seedWords))])
	}
	return strings.Join(words, " ")
}
