// Package posts keeps the local view of the remote post collection.
package posts

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	collection = "/posts"

	opStoreNew = "posts.store.new"
	opLoadAll  = "posts.load_all"
	opGet      = "posts.get"
	opCreate   = "posts.create"
	opUpdate   = "posts.update"
	opDelete   = "posts.delete"

	reasonMissingRemote = "missing_remote"
	reasonNotCached     = "not_cached"
	reasonRemoteFailed  = "remote_failed"
	reasonIDGeneration  = "id_generation_failed"

	messageNotCached = "post not found in cache"
	messageLoadAll   = "failed to load posts"
	messageGet       = "failed to load post"
	messageCreate    = "failed to create post"
	messageUpdate    = "failed to update post"
	messageDelete    = "failed to delete post"
)

var (
	errMissingRemote = errors.New("remote resource client is required")
	noOpLogger       = zap.NewNop()
)

type cache = map[records.PostID]records.Post

// StoreConfig describes the collaborators of a Store.
type StoreConfig struct {
	Remote remote.Resource
	// Classifier defaults to the seeded post count of the public dataset.
	Classifier *records.Classifier
	IDProvider records.IDProvider
	Dispatcher *optimistic.Dispatcher
	Logger     *zap.Logger
}

// Store owns the post cache. Reads are served from the cache; writes are applied to the cache
// first and confirmed or rolled back once the remote side answers.
type Store struct {
	remote     remote.Resource
	classifier records.Classifier
	ids        records.IDProvider
	state      *optimistic.State[cache]
	status     optimistic.Status
	events     *optimistic.Dispatcher
	fetches    singleflight.Group
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Remote == nil {
		return nil, optimistic.NewStoreError(opStoreNew, reasonMissingRemote, "", errMissingRemote)
	}

	classifier, err := records.NewClassifier(records.DefaultPostThreshold)
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

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		remote:     cfg.Remote,
		classifier: classifier,
		ids:        ids,
		state:      optimistic.NewState(cache{}),
		events:     events,
		logger:     logger,
	}, nil
}

// LoadAll replaces the whole cache with the remote collection.
func (s *Store) LoadAll(ctx context.Context) ([]records.Post, error) {
	s.status.BeginLoading()
	s.status.ClearError()

	var fetched []records.Post
	if err := s.remote.List(ctx, collection, &fetched); err != nil {
		s.status.EndLoading()
		message := remote.Message(err, messageLoadAll)
		s.status.SetError(message)
		s.logError(opLoadAll, reasonRemoteFailed, err)
		return nil, optimistic.NewStoreError(opLoadAll, reasonRemoteFailed, message, err)
	}

	next := make(cache, len(fetched))
	ids := make([]int64, 0, len(fetched))
	for _, post := range fetched {
		next[post.ID] = post
		ids = append(ids, post.ID.Int64())
	}
	s.state.Swap(func(cache) cache { return next })
	s.status.EndLoading()
	s.publish(optimistic.EventLoaded, ids...)
	return fetched, nil
}

// Get returns the cached post, fetching it only when it is not cached yet. Callers that need a
// fresh copy must reload explicitly. Concurrent misses for one id share a single fetch, which
// keeps running when the caller that started it goes away; the remote client timeout bounds it.
func (s *Store) Get(ctx context.Context, id records.PostID) (records.Post, error) {
	if post, ok := s.Cached(id); ok {
		return post, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	value, err, _ := s.fetches.Do(strconv.FormatInt(id.Int64(), 10), func() (any, error) {
		s.status.BeginLoading()
		var fetched records.Post
		if err := s.remote.Get(fetchCtx, collection, id.Int64(), &fetched); err != nil {
			s.status.EndLoading()
			s.status.SetError(remote.Message(err, messageGet))
			return nil, err
		}
		s.state.Swap(func(current cache) cache {
			next := clone(current)
			next[fetched.ID] = fetched
			return next
		})
		s.status.EndLoading()
		s.publish(optimistic.EventInserted, fetched.ID.Int64())
		return fetched, nil
	})
	if err != nil {
		s.logError(opGet, reasonRemoteFailed, err, zap.Int64("post_id", id.Int64()))
		return records.Post{}, optimistic.NewStoreError(opGet, reasonRemoteFailed, remote.Message(err, messageGet), err)
	}
	return value.(records.Post), nil
}

// Cached looks the post up without any I/O.
func (s *Store) Cached(id records.PostID) (records.Post, bool) {
	post, ok := s.state.Current()[id]
	return post, ok
}

// Posts returns every cached post ordered by identifier.
func (s *Store) Posts() []records.Post {
	current := s.state.Current()
	result := make([]records.Post, 0, len(current))
	for _, post := range current {
		result = append(result, post)
	}
	slices.SortFunc(result, func(a, b records.Post) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

// Create inserts a provisional post under a local identifier and asks the remote side to
// create it. On success the provisional entry is replaced by the server record, whose
// identifier differs from the local one.
func (s *Store) Create(ctx context.Context, draft records.PostDraft) (records.Post, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGeneration, err)
		return records.Post{}, optimistic.NewStoreError(opCreate, reasonIDGeneration, messageCreate, err)
	}
	localID := records.PostID(rawID)

	snapshot := s.state.Swap(func(current cache) cache {
		next := clone(current)
		next[localID] = draft.Provisional(localID)
		return next
	})
	s.status.ClearError()
	s.publish(optimistic.EventInserted, localID.Int64())

	var created records.Post
	if err := s.remote.Create(ctx, collection, draft, &created); err != nil {
		return records.Post{}, s.rollback(opCreate, messageCreate, snapshot, err, localID.Int64())
	}

	s.state.Swap(func(current cache) cache {
		next := clone(current)
		delete(next, localID)
		next[created.ID] = created
		return next
	})
	s.publish(optimistic.EventReconciled, localID.Int64(), created.ID.Int64())
	return created, nil
}

// Update merges patch into the cached post. Posts with a local identifier are only changed in
// the cache; remote ones are confirmed with a full PUT and rolled back on failure.
func (s *Store) Update(ctx context.Context, id records.PostID, patch records.PostPatch) (records.Post, error) {
	var merged records.Post
	snapshot, err := s.state.Mutate(func(current cache) (cache, error) {
		existing, ok := current[id]
		if !ok {
			return nil, records.ErrNotCached
		}
		merged = existing.Apply(patch)
		next := clone(current)
		next[id] = merged
		return next, nil
	})
	if err != nil {
		return records.Post{}, optimistic.NewStoreError(opUpdate, reasonNotCached, messageNotCached, err)
	}
	s.status.ClearError()
	s.publish(optimistic.EventReplaced, id.Int64())

	if s.classifier.IsLocal(id.Int64()) {
		return merged, nil
	}

	var confirmed records.Post
	if err := s.remote.Update(ctx, collection, id.Int64(), merged, &confirmed); err != nil {
		return records.Post{}, s.rollback(opUpdate, messageUpdate, snapshot, err, id.Int64())
	}

	s.state.Swap(func(current cache) cache {
		next := clone(current)
		next[confirmed.ID] = confirmed
		return next
	})
	s.publish(optimistic.EventReconciled, confirmed.ID.Int64())
	return confirmed, nil
}

// Delete removes the cached post. Posts with a local identifier never reach the remote side.
func (s *Store) Delete(ctx context.Context, id records.PostID) error {
	snapshot, err := s.state.Mutate(func(current cache) (cache, error) {
		if _, ok := current[id]; !ok {
			return nil, records.ErrNotCached
		}
		next := clone(current)
		delete(next, id)
		return next, nil
	})
	if err != nil {
		return optimistic.NewStoreError(opDelete, reasonNotCached, messageNotCached, err)
	}
	s.status.ClearError()
	s.publish(optimistic.EventRemoved, id.Int64())

	if s.classifier.IsLocal(id.Int64()) {
		return nil
	}

	if err := s.remote.Delete(ctx, collection, id.Int64()); err != nil {
		return s.rollback(opDelete, messageDelete, snapshot, err, id.Int64())
	}
	return nil
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
	return s.events.Subscribe(ctx, optimistic.TopicPosts)
}

// rollback restores the snapshot captured before the optimistic write. Anything applied to the
// cache after the snapshot was taken is discarded with it.
func (s *Store) rollback(operation, fallback string, snapshot cache, cause error, ids ...int64) error {
	s.state.Restore(snapshot)
	s.publish(optimistic.EventRolledBack, ids...)
	message := remote.Message(cause, fallback)
	s.status.SetError(message)
	s.logError(operation, reasonRemoteFailed, cause, zap.Int64s("post_ids", ids))
	return optimistic.NewStoreError(operation, reasonRemoteFailed, message, cause)
}

func (s *Store) publish(kind optimistic.EventKind, ids ...int64) {
	s.events.Publish(optimistic.Event{
		Topic: optimistic.TopicPosts,
		Kind:  kind,
		IDs:   ids,
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
	s.logger.Error("posts store error", attrs...)
}

func clone(current cache) cache {
	next := make(cache, len(current)+1)
	for id, post := range current {
		next[id] = post
	}
	return next
}
