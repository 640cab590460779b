package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/postsync/internal/placeholder"
	"go.uber.org/zap"
)

func TestOpenSQLiteSeedsPlaceholderDataset(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "fixture.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	var posts, comments int64
	if err := database.Model(&placeholder.PostRow{}).Count(&posts).Error; err != nil {
		testContext.Fatalf("failed to count posts: %v", err)
	}
	if err := database.Model(&placeholder.CommentRow{}).Count(&comments).Error; err != nil {
		testContext.Fatalf("failed to count comments: %v", err)
	}
	if posts != placeholder.SeededPosts || comments != placeholder.SeededComments {
		testContext.Fatalf("unexpected dataset size: %d posts, %d comments", posts, comments)
	}

	var record appliedStep
	if err := database.Where("name = ?", stepSeedPlaceholderDataset).Take(&record).Error; err != nil {
		testContext.Fatalf("expected ledger row to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected ledger timestamp to be set")
	}
}

func TestFixtureStepsRunOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "fixture.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	edited := database.Model(&placeholder.PostRow{}).Where("id = ?", 1).Update("title", "edited locally")
	if edited.Error != nil {
		testContext.Fatalf("failed to edit post: %v", edited.Error)
	}

	if err := runFixtureSteps(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to rerun fixture steps: %v", err)
	}

	var post placeholder.PostRow
	if err := database.Where("id = ?", 1).Take(&post).Error; err != nil {
		testContext.Fatalf("failed to reload post: %v", err)
	}
	if post.Title != "edited locally" {
		testContext.Fatalf("expected the recorded step to be skipped, got title %q", post.Title)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
