// Package comments keeps the local view of the comments of each post.
package comments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	collection = "/comments"

	defaultPrefetchLimit = 4

	opStoreNew = "comments.store.new"
	opForPost  = "comments.for_post"
	opPrefetch = "comments.prefetch"
	opCreate   = "comments.create"
	opUpdate   = "comments.update"
	opDelete   = "comments.delete"

	reasonMissingRemote = "missing_remote"
	reasonNotCached     = "not_cached"
	reasonRemoteFailed  = "remote_failed"
	reasonIDGeneration  = "id_generation_failed"

	messageNotCached = "comment not found in cache"
	messageForPost   = "failed to load comments"
	messageCreate    = "failed to create comment"
	messageUpdate    = "failed to update comment"
	messageDelete    = "failed to delete comment"
)

var (
	errMissingRemote = errors.New("remote resource client is required")
	noOpLogger       = zap.NewNop()
)

type cache = map[records.PostID][]records.Comment

// StoreConfig describes the collaborators of a Store.
type StoreConfig struct {
	Remote remote.Resource
	// Classifier defaults to the seeded comment count of the public dataset.
	Classifier *records.Classifier
	IDProvider records.IDProvider
	Dispatcher *optimistic.Dispatcher
	Logger     *zap.Logger
	// PrefetchLimit bounds the concurrent list calls issued by Prefetch.
	PrefetchLimit int
}

// Store owns the comment cache keyed by parent post. A key that is present with an empty list
// means the post has been fetched and has no comments.
type Store struct {
	remote        remote.Resource
	classifier    records.Classifier
	ids           records.IDProvider
	state         *optimistic.State[cache]
	status        optimistic.Status
	events        *optimistic.Dispatcher
	fetches       singleflight.Group
	prefetchLimit int
	logger        *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Remote == nil {
		return nil, optimistic.NewStoreError(opStoreNew, reasonMissingRemote, "", errMissingRemote)
	}

	classifier, err := records.NewClassifier(records.DefaultCommentThreshold)
	if err != nil {
		return nil, err
	}
	if cfg.Classifier != nil {
		classifier = *cfg.Classifier
	}

	ids := cfg.IDProvider
	if ids == nil {
		ids = records.NewClockIDProvider(time.Now, classifier.Threshold())
	}

	events := cfg.Dispatcher
	if events == nil {
		events = optimistic.NewDispatcher()
	}

	limit := cfg.PrefetchLimit
	if limit <= 0 {
		limit = defaultPrefetchLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		remote:        cfg.Remote,
		classifier:    classifier,
		ids:           ids,
		state:         optimistic.NewState(cache{}),
		events:        events,
		prefetchLimit: limit,
		logger:        logger,
	}, nil
}

// ForPost returns the comments of postID, listing them remotely only when the post has never
// been fetched. An empty result is cached like any other. The shared listing outlives the
// cancellation of the caller that started it.
func (s *Store) ForPost(ctx context.Context, postID records.PostID) ([]records.Comment, error) {
	if list, ok := s.state.Current()[postID]; ok {
		return slices.Clone(list), nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	value, err, _ := s.fetches.Do(strconv.FormatInt(postID.Int64(), 10), func() (any, error) {
		s.status.BeginLoading()
		s.status.ClearError()
		defer s.status.EndLoading()

		var fetched []records.Comment
		if err := s.remote.List(fetchCtx, listPath(postID), &fetched); err != nil {
			s.status.SetError(remote.Message(err, messageForPost))
			return nil, err
		}
		if fetched == nil {
			fetched = []records.Comment{}
		}
		s.state.Swap(func(current cache) cache {
			next := clone(current)
			next[postID] = fetched
			return next
		})
		s.publish(optimistic.EventLoaded, postID, commentIDs(fetched)...)
		return fetched, nil
	})
	if err != nil {
		s.logError(opForPost, reasonRemoteFailed, err, zap.Int64("post_id", postID.Int64()))
		return nil, optimistic.NewStoreError(opForPost, reasonRemoteFailed, remote.Message(err, messageForPost), err)
	}
	return slices.Clone(value.([]records.Comment)), nil
}

// CachedForPost returns the cached comments of postID without any I/O. Posts that were never
// fetched yield an empty slice.
func (s *Store) CachedForPost(postID records.PostID) []records.Comment {
	list, ok := s.state.Current()[postID]
	if !ok {
		return []records.Comment{}
	}
	return slices.Clone(list)
}

// Prefetch loads the comments of several posts concurrently. Posts already cached are skipped.
func (s *Store) Prefetch(ctx context.Context, postIDs ...records.PostID) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.prefetchLimit)
	for _, postID := range postIDs {
		group.Go(func() error {
			_, err := s.ForPost(groupCtx, postID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("%s: %w", opPrefetch, err)
	}
	return nil
}

// Create appends a provisional comment to its post and asks the remote side to create it.
func (s *Store) Create(ctx context.Context, draft records.CommentDraft) (records.Comment, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGeneration, err)
		return records.Comment{}, optimistic.NewStoreError(opCreate, reasonIDGeneration, messageCreate, err)
	}
	localID := records.CommentID(rawID)
	postID := draft.PostID

	snapshot := s.state.Swap(func(current cache) cache {
		next := clone(current)
		next[postID] = append(slices.Clone(current[postID]), draft.Provisional(localID))
		return next
	})
	s.status.ClearError()
	s.publish(optimistic.EventInserted, postID, localID.Int64())

	var created records.Comment
	if err := s.remote.Create(ctx, collection, draft, &created); err != nil {
		return records.Comment{}, s.rollback(opCreate, messageCreate, snapshot, err, postID, localID.Int64())
	}

	s.state.Swap(func(current cache) cache {
		next := clone(current)
		list := slices.DeleteFunc(slices.Clone(current[postID]), func(comment records.Comment) bool {
			return comment.ID == localID
		})
		next[postID] = append(list, created)
		return next
	})
	s.publish(optimistic.EventReconciled, postID, localID.Int64(), created.ID.Int64())
	return created, nil
}

// Update merges patch into a cached comment of postID.
func (s *Store) Update(ctx context.Context, id records.CommentID, postID records.PostID, patch records.CommentPatch) (records.Comment, error) {
	var merged records.Comment
	snapshot, err := s.state.Mutate(func(current cache) (cache, error) {
		list := current[postID]
		index := slices.IndexFunc(list, func(comment records.Comment) bool { return comment.ID == id })
		if index < 0 {
			return nil, records.ErrNotCached
		}
		merged = list[index].Apply(patch)
		updated := slices.Clone(list)
		updated[index] = merged
		next := clone(current)
		next[postID] = updated
		return next, nil
	})
	if err != nil {
		return records.Comment{}, optimistic.NewStoreError(opUpdate, reasonNotCached, messageNotCached, err)
	}
	s.status.ClearError()
	s.publish(optimistic.EventReplaced, postID, id.Int64())

	if s.classifier.IsLocal(id.Int64()) {
		return merged, nil
	}

	var confirmed records.Comment
	if err := s.remote.Update(ctx, collection, id.Int64(), merged, &confirmed); err != nil {
		return records.Comment{}, s.rollback(opUpdate, messageUpdate, snapshot, err, postID, id.Int64())
	}

	s.state.Swap(func(current cache) cache {
		list := current[postID]
		index := slices.IndexFunc(list, func(comment records.Comment) bool { return comment.ID == id })
		if index < 0 {
			return current
		}
		updated := slices.Clone(list)
		updated[index] = confirmed
		next := clone(current)
		next[postID] = updated
		return next
	})
	s.publish(optimistic.EventReconciled, postID, confirmed.ID.Int64())
	return confirmed, nil
}

// Delete removes a cached comment of postID.
func (s *Store) Delete(ctx context.Context, id records.CommentID, postID records.PostID) error {
	snapshot, err := s.state.Mutate(func(current cache) (cache, error) {
		list := current[postID]
		if !slices.ContainsFunc(list, func(comment records.Comment) bool { return comment.ID == id }) {
			return nil, records.ErrNotCached
		}
		next := clone(current)
		next[postID] = slices.DeleteFunc(slices.Clone(list), func(comment records.Comment) bool {
			return comment.ID == id
		})
		return next, nil
	})
	if err != nil {
		return optimistic.NewStoreError(opDelete, reasonNotCached, messageNotCached, err)
	}
	s.status.ClearError()
	s.publish(optimistic.EventRemoved, postID, id.Int64())

	if s.classifier.IsLocal(id.Int64()) {
		return nil
	}

	if err := s.remote.Delete(ctx, collection, id.Int64()); err != nil {
		return s.rollback(opDelete, messageDelete, snapshot, err, postID, id.Int64())
	}
	return nil
}

// ClearPost forgets the cached comments of postID so the next ForPost lists them again.
func (s *Store) ClearPost(postID records.PostID) {
	s.state.Swap(func(current cache) cache {
		if _, ok := current[postID]; !ok {
			return current
		}
		next := clone(current)
		delete(next, postID)
		return next
	})
	s.publish(optimistic.EventCleared, postID)
}

// Status reports the shared loading flag and error slot.
func (s *Store) Status() optimistic.StatusSnapshot {
	return s.status.Snapshot()
}

// ClearError resets the error slot without touching the cache.
func (s *Store) ClearError() {
	s.status.ClearError()
}

// Subscribe streams the cache events of this store until ctx is done.
func (s *Store) Subscribe(ctx context.Context) (<-chan optimistic.Event, func()) {
	return s.events.Subscribe(ctx, optimistic.TopicComments)
}

func (s *Store) rollback(operation, fallback string, snapshot cache, cause error, postID records.PostID, ids ...int64) error {
	s.state.Restore(snapshot)
	s.publish(optimistic.EventRolledBack, postID, ids...)
	message := remote.Message(cause, fallback)
	s.status.SetError(message)
	s.logError(operation, reasonRemoteFailed, cause, zap.Int64("post_id", postID.Int64()), zap.Int64s("comment_ids", ids))
	return optimistic.NewStoreError(operation, reasonRemoteFailed, message, cause)
}

func (s *Store) publish(kind optimistic.EventKind, postID records.PostID, ids ...int64) {
	s.events.Publish(optimistic.Event{
		Topic:    optimistic.TopicComments,
		Kind:     kind,
		IDs:      ids,
		ParentID: postID.Int64(),
	})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comments store error", attrs...)
}

func listPath(postID records.PostID) string {
	return "/posts/" + strconv.FormatInt(postID.Int64(), 10) + collection
}

func commentIDs(list []records.Comment) []int64 {
	ids := make([]int64, 0, len(list))
	for _, comment := range list {
		ids = append(ids, comment.ID.Int64())
	}
	return ids
}

func clone(current cache) cache {
	next := make(cache, len(current)+1)
	for postID, list := range current {
		next[postID] = list
	}
	return next
}
