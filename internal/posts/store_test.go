package posts

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote/remotetest"
	"github.com/google/go-cmp/cmp"
)

const localPostID records.PostID = 1700000000000

type fixedIDs struct {
	next int64
}

func (f *fixedIDs) NewID() (int64, error) {
	id := f.next
	f.next++
	return id, nil
}

type failingIDs struct{}

func (failingIDs) NewID() (int64, error) {
	return 0, errors.New("clock unavailable")
}

func seededPosts() []records.Post {
	return []records.Post{
		{ID: 1, UserID: 1, Title: "A", Body: "X"},
		{ID: 2, UserID: 1, Title: "second", Body: "body two"},
	}
}

func mustStore(t *testing.T, fake *remotetest.Fake) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Remote:     fake,
		IDProvider: &fixedIDs{next: int64(localPostID)},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustLoadedStore(t *testing.T, fake *remotetest.Fake) *Store {
	t.Helper()
	store := mustStore(t, fake)
	fake.Respond(http.MethodGet, "/posts", seededPosts())
	if _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("load all failed: %v", err)
	}
	return store
}

func waitEntered(t *testing.T, gate *remotetest.Gate) {
	t.Helper()
	select {
	case <-gate.Entered():
	case <-time.After(2 * time.Second):
		t.Fatal("remote call did not start")
	}
}

func text(value string) *string {
	return &value
}

type result struct {
	post records.Post
	err  error
}

func TestNewStoreRequiresRemote(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	var storeErr *optimistic.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code() != "posts.store.new.missing_remote" {
		t.Fatalf("expected missing remote error, got %v", err)
	}
}

func TestLoadAllReplacesCache(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)

	fake.Respond(http.MethodGet, "/posts", []records.Post{{ID: 3, UserID: 2, Title: "only", Body: "one"}})
	if _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if diff := cmp.Diff([]records.Post{{ID: 3, UserID: 2, Title: "only", Body: "one"}}, store.Posts()); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
	if status := store.Status(); status.Loading || status.Error != "" {
		t.Fatalf("unexpected status after load %#v", status)
	}
}

func TestLoadAllFailureSetsErrorAndClearsLoading(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)
	fake.FailStatus(http.MethodGet, "/posts", http.StatusInternalServerError)

	_, err := store.LoadAll(context.Background())
	if err == nil {
		t.Fatalf("expected load failure")
	}
	status := store.Status()
	if status.Loading {
		t.Fatalf("loading flag must be cleared after failure")
	}
	if status.Error != "internal server error, try again later" {
		t.Fatalf("unexpected error message %q", status.Error)
	}

	store.ClearError()
	if store.Status().Error != "" {
		t.Fatalf("expected error to be cleared")
	}
}

func TestLoadAllKeepsLoadingFlagWhileInFlight(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)
	fake.Respond(http.MethodGet, "/posts", seededPosts())
	gate := fake.Hold(http.MethodGet, "/posts")

	done := make(chan error, 1)
	go func() {
		_, err := store.LoadAll(context.Background())
		done <- err
	}()
	waitEntered(t, gate)
	if !store.Status().Loading {
		t.Fatalf("expected loading flag while request is in flight")
	}
	gate.Release()
	if err := <-done; err != nil {
		t.Fatalf("load all failed: %v", err)
	}
	if store.Status().Loading {
		t.Fatalf("expected loading flag to be cleared")
	}
}

func TestGetServesCacheWithoutRemoteCall(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	callsAfterLoad := fake.CallCount()

	post, err := store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if post.Title != "A" {
		t.Fatalf("unexpected post %#v", post)
	}
	if _, ok := store.Cached(2); !ok {
		t.Fatalf("expected cached lookup to succeed")
	}
	if fake.CallCount() != callsAfterLoad {
		t.Fatalf("cache hits must not call the remote, calls: %v", fake.Calls())
	}
}

func TestGetFetchesMissAndCachesIt(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)
	fake.Respond(http.MethodGet, "/posts/9", records.Post{ID: 9, UserID: 1, Title: "nine", Body: "b"})

	if _, ok := store.Cached(9); ok {
		t.Fatalf("cached lookup must not fetch")
	}
	if fake.CallCount() != 0 {
		t.Fatalf("cached lookup must not call the remote")
	}

	for attempt := 0; attempt < 2; attempt++ {
		post, err := store.Get(context.Background(), 9)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if post.Title != "nine" {
			t.Fatalf("unexpected post %#v", post)
		}
	}
	if fake.CallCount() != 1 {
		t.Fatalf("expected exactly one remote fetch, got %d", fake.CallCount())
	}
}

func TestGetSharedFetchSurvivesCallerCancellation(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)
	fake.Respond(http.MethodGet, "/posts/9", records.Post{ID: 9, UserID: 1, Title: "nine", Body: "b"})
	gate := fake.Hold(http.MethodGet, "/posts/9")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		post, err := store.Get(ctx, 9)
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)
	cancel()
	gate.Release()

	if outcome := <-done; outcome.err != nil || outcome.post.Title != "nine" {
		t.Fatalf("expected the shared fetch to complete, got %#v %v", outcome.post, outcome.err)
	}
	if _, ok := store.Cached(9); !ok {
		t.Fatalf("expected the fetched post to be cached")
	}
	if store.Status().Error != "" {
		t.Fatalf("unexpected error slot %q", store.Status().Error)
	}
}

func TestGetFailureReportsError(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)

	_, err := store.Get(context.Background(), 404)
	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) || remoteErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected wrapped 404, got %v", err)
	}
	if store.Status().Error != "resource not found" {
		t.Fatalf("unexpected error slot %q", store.Status().Error)
	}
	if _, ok := store.Cached(404); ok {
		t.Fatalf("failed fetch must not populate the cache")
	}
}

func TestUpdateAppliesOptimisticallyAndRevertsOnFailure(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	before := store.Posts()

	fake.FailStatus(http.MethodPut, "/posts/1", http.StatusInternalServerError)
	gate := fake.Hold(http.MethodPut, "/posts/1")

	done := make(chan result, 1)
	go func() {
		post, err := store.Update(context.Background(), 1, records.PostPatch{Title: text("B")})
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)

	optimisticPost, _ := store.Cached(1)
	if optimisticPost != (records.Post{ID: 1, UserID: 1, Title: "B", Body: "X"}) {
		t.Fatalf("expected optimistic value, got %#v", optimisticPost)
	}

	gate.Release()
	outcome := <-done
	var storeErr *optimistic.StoreError
	if !errors.As(outcome.err, &storeErr) || storeErr.Code() != "posts.update.remote_failed" {
		t.Fatalf("expected remote failure, got %v", outcome.err)
	}
	if diff := cmp.Diff(before, store.Posts()); diff != "" {
		t.Fatalf("cache not restored (-want +got):\n%s", diff)
	}
	if store.Status().Error != "internal server error, try again later" {
		t.Fatalf("unexpected error slot %q", store.Status().Error)
	}
}

func TestUpdateReconcilesWithServerValue(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.Respond(http.MethodPut, "/posts/1", records.Post{ID: 1, UserID: 1, Title: "B (server)", Body: "X"})

	post, err := store.Update(context.Background(), 1, records.PostPatch{Title: text("B")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if post.Title != "B (server)" {
		t.Fatalf("expected server value to be returned, got %#v", post)
	}
	cached, _ := store.Cached(1)
	if cached.Title != "B (server)" {
		t.Fatalf("expected cache to hold server value, got %#v", cached)
	}

	calls := fake.Calls()
	last := calls[len(calls)-1]
	if last.Method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", last.Method)
	}
	if last.Body != (records.Post{ID: 1, UserID: 1, Title: "B", Body: "X"}) {
		t.Fatalf("expected full merged record to be sent, got %#v", last.Body)
	}
}

func TestUpdateWithTitleOnlyKeepsBody(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.FailStatus(http.MethodPut, "/posts/1", http.StatusInternalServerError)
	gate := fake.Hold(http.MethodPut, "/posts/1")

	done := make(chan result, 1)
	go func() {
		post, err := store.Update(context.Background(), 1, records.PostPatch{Title: text("B")})
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)

	merged := records.Post{ID: 1, UserID: 1, Title: "B", Body: "X"}
	if optimisticPost, _ := store.Cached(1); optimisticPost != merged {
		t.Fatalf("expected the body to survive the optimistic write, got %#v", optimisticPost)
	}
	calls := fake.Calls()
	if sent := calls[len(calls)-1].Body; sent != merged {
		t.Fatalf("expected the merged record to be sent, got %#v", sent)
	}

	gate.Release()
	if outcome := <-done; outcome.err == nil {
		t.Fatalf("expected remote failure")
	}
	if restored, _ := store.Cached(1); restored != (records.Post{ID: 1, UserID: 1, Title: "A", Body: "X"}) {
		t.Fatalf("expected rollback to the original post, got %#v", restored)
	}
}

func TestDeleteRevertsOnFailure(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	before := store.Posts()
	fake.FailStatus(http.MethodDelete, "/posts/2", http.StatusServiceUnavailable)
	gate := fake.Hold(http.MethodDelete, "/posts/2")

	done := make(chan error, 1)
	go func() {
		done <- store.Delete(context.Background(), 2)
	}()
	waitEntered(t, gate)
	if _, ok := store.Cached(2); ok {
		t.Fatalf("expected post to be removed optimistically")
	}
	gate.Release()

	if err := <-done; err == nil {
		t.Fatalf("expected delete failure")
	}
	if diff := cmp.Diff(before, store.Posts()); diff != "" {
		t.Fatalf("cache not restored (-want +got):\n%s", diff)
	}
	if store.Status().Error != "error 503: Service Unavailable" {
		t.Fatalf("unexpected error slot %q", store.Status().Error)
	}
}

func TestDeleteConfirmedRemovesPost(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.Respond(http.MethodDelete, "/posts/2", struct{}{})

	if err := store.Delete(context.Background(), 2); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok := store.Cached(2); ok {
		t.Fatalf("expected post to stay removed")
	}
}

func TestCreateReassignsIdentifier(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	draft := records.PostDraft{UserID: 1, Title: "new", Body: "fresh"}
	fake.Respond(http.MethodPost, "/posts", records.Post{ID: 101, UserID: 1, Title: "new", Body: "fresh"})
	gate := fake.Hold(http.MethodPost, "/posts")

	done := make(chan result, 1)
	go func() {
		post, err := store.Create(context.Background(), draft)
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)

	provisional, ok := store.Cached(localPostID)
	if !ok || provisional.Title != "new" {
		t.Fatalf("expected provisional post under local id, got %#v ok=%v", provisional, ok)
	}

	gate.Release()
	outcome := <-done
	if outcome.err != nil {
		t.Fatalf("create failed: %v", outcome.err)
	}
	if outcome.post.ID != 101 {
		t.Fatalf("expected server id, got %d", outcome.post.ID)
	}
	if _, ok := store.Cached(101); !ok {
		t.Fatalf("expected post under server id")
	}
	if _, ok := store.Cached(localPostID); ok {
		t.Fatalf("post must not be retrievable by its local id after create")
	}
}

func TestCreateFailureRestoresSnapshot(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	before := store.Posts()
	fake.FailStatus(http.MethodPost, "/posts", http.StatusBadRequest)

	_, err := store.Create(context.Background(), records.PostDraft{UserID: 1, Title: "t", Body: "b"})
	if err == nil {
		t.Fatalf("expected create failure")
	}
	if diff := cmp.Diff(before, store.Posts()); diff != "" {
		t.Fatalf("cache not restored (-want +got):\n%s", diff)
	}
	if store.Status().Error != "invalid request, check the submitted data" {
		t.Fatalf("unexpected error slot %q", store.Status().Error)
	}
}

func TestCreateFailsWhenIdentifierCannotBeGenerated(t *testing.T) {
	fake := remotetest.NewFake()
	store, err := NewStore(StoreConfig{Remote: fake, IDProvider: failingIDs{}})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	if _, err := store.Create(context.Background(), records.PostDraft{Title: "t"}); err == nil {
		t.Fatalf("expected id generation failure")
	}
	if fake.CallCount() != 0 || len(store.Posts()) != 0 {
		t.Fatalf("nothing must happen without an identifier")
	}
}

func TestLocalIdentifiersNeverReachRemote(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.Respond(http.MethodPost, "/posts", records.Post{ID: 101, UserID: 1, Title: "t", Body: "b"})
	gate := fake.Hold(http.MethodPost, "/posts")

	done := make(chan result, 1)
	go func() {
		post, err := store.Create(context.Background(), records.PostDraft{UserID: 1, Title: "t", Body: "b"})
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)
	callsBefore := fake.CallCount()

	updated, err := store.Update(context.Background(), localPostID, records.PostPatch{Title: text("edited")})
	if err != nil {
		t.Fatalf("local update failed: %v", err)
	}
	if updated.Title != "edited" {
		t.Fatalf("unexpected local update result %#v", updated)
	}
	if cached, _ := store.Cached(localPostID); cached.Title != "edited" {
		t.Fatalf("expected cache to hold local edit, got %#v", cached)
	}
	if err := store.Delete(context.Background(), localPostID); err != nil {
		t.Fatalf("local delete failed: %v", err)
	}
	if _, ok := store.Cached(localPostID); ok {
		t.Fatalf("expected local post to be removed")
	}
	if fake.CallCount() != callsBefore {
		t.Fatalf("local identifiers must not call the remote, calls: %v", fake.Calls())
	}

	gate.Release()
	if outcome := <-done; outcome.err != nil {
		t.Fatalf("create failed: %v", outcome.err)
	}
}

func TestMutationsRejectUncachedIdentifiers(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.FailStatus(http.MethodGet, "/posts/77", http.StatusNotFound)
	_, _ = store.Get(context.Background(), 77)
	errorBefore := store.Status().Error
	before := store.Posts()
	callsBefore := fake.CallCount()

	_, updateErr := store.Update(context.Background(), 55, records.PostPatch{Title: text("x")})
	deleteErr := store.Delete(context.Background(), 55)

	for _, err := range []error{updateErr, deleteErr} {
		if !errors.Is(err, records.ErrNotCached) {
			t.Fatalf("expected ErrNotCached, got %v", err)
		}
	}
	var storeErr *optimistic.StoreError
	if !errors.As(updateErr, &storeErr) || storeErr.Message() != "post not found in cache" {
		t.Fatalf("unexpected coherency error %v", updateErr)
	}
	if fake.CallCount() != callsBefore {
		t.Fatalf("coherency failures must not call the remote")
	}
	if diff := cmp.Diff(before, store.Posts()); diff != "" {
		t.Fatalf("coherency failure changed the cache (-want +got):\n%s", diff)
	}
	if store.Status().Error != errorBefore {
		t.Fatalf("coherency failures must leave the error slot alone")
	}
}

func TestMutationClearsErrorWhenAttemptStarts(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.FailStatus(http.MethodPut, "/posts/1", http.StatusInternalServerError)
	if _, err := store.Update(context.Background(), 1, records.PostPatch{Title: text("B")}); err == nil {
		t.Fatalf("expected failure")
	}
	if store.Status().Error == "" {
		t.Fatalf("expected error slot to be set")
	}

	fake.Respond(http.MethodPut, "/posts/1", records.Post{ID: 1, UserID: 1, Title: "B", Body: "X"})
	gate := fake.Hold(http.MethodPut, "/posts/1")
	done := make(chan result, 1)
	go func() {
		post, err := store.Update(context.Background(), 1, records.PostPatch{Title: text("B")})
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)
	if store.Status().Error != "" {
		t.Fatalf("expected error slot to clear when the retry starts, got %q", store.Status().Error)
	}
	gate.Release()
	if outcome := <-done; outcome.err != nil {
		t.Fatalf("retry failed: %v", outcome.err)
	}
}

// A failing remote write restores its own snapshot, which also discards cache writes made
// while it was in flight. This pins the known lost-update behavior.
func TestRollbackDiscardsWritesMadeWhileInFlight(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustLoadedStore(t, fake)
	fake.Respond(http.MethodPost, "/posts", records.Post{ID: 101, UserID: 1, Title: "t", Body: "b"})
	if _, err := store.Create(context.Background(), records.PostDraft{UserID: 1, Title: "t", Body: "b"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	localEdit := records.PostPatch{Title: text("edited while in flight")}

	fake.FailStatus(http.MethodPut, "/posts/2", http.StatusInternalServerError)
	gate := fake.Hold(http.MethodPut, "/posts/2")
	done := make(chan result, 1)
	go func() {
		post, err := store.Update(context.Background(), 2, records.PostPatch{Title: text("A"), Body: text("a")})
		done <- result{post: post, err: err}
	}()
	waitEntered(t, gate)

	// 101 is above the post threshold, so this edit stays local and completes at once.
	if _, err := store.Update(context.Background(), 101, localEdit); err != nil {
		t.Fatalf("local update failed: %v", err)
	}
	gate.Release()
	if outcome := <-done; outcome.err == nil {
		t.Fatalf("expected remote failure")
	}

	cached, _ := store.Cached(101)
	if cached.Title == *localEdit.Title {
		t.Fatalf("expected the in-flight local edit to be lost by the rollback")
	}
}

func TestStorePublishesCacheEvents(t *testing.T) {
	fake := remotetest.NewFake()
	store := mustStore(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := store.Subscribe(ctx)
	defer cleanup()

	fake.Respond(http.MethodGet, "/posts", seededPosts())
	if _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("load all failed: %v", err)
	}
	fake.FailStatus(http.MethodDelete, "/posts/1", http.StatusInternalServerError)
	_ = store.Delete(context.Background(), 1)

	want := []optimistic.EventKind{optimistic.EventLoaded, optimistic.EventRemoved, optimistic.EventRolledBack}
	for _, kind := range want {
		select {
		case event := <-stream:
			if event.Kind != kind {
				t.Fatalf("expected %s event, got %s", kind, event.Kind)
			}
			if event.Topic != optimistic.TopicPosts {
				t.Fatalf("unexpected topic %s", event.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", kind)
		}
	}
}
