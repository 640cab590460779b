// Package remotetest provides an in-memory remote.Resource for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
)

// Call records one request received by a Fake.
type Call struct {
	Method string
	Path   string
	Body   any
}

// Gate holds requests for one route until Release is called.
type Gate struct {
	entered  chan struct{}
	released chan struct{}
	once     sync.Once
}

// Entered yields one value per request that reached the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets held and future requests through.
func (g *Gate) Release() {
	g.once.Do(func() {
		close(g.released)
	})
}

// Fake answers requests from canned responses keyed by "METHOD /path". Unknown routes fail
// with 404.
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string]any
	failures  map[string]error
	gates     map[string]*Gate
}

func NewFake() *Fake {
	return &Fake{
		responses: make(map[string]any),
		failures:  make(map[string]error),
		gates:     make(map[string]*Gate),
	}
}

// Respond registers value as the decoded body for method and path.
func (f *Fake) Respond(method, path string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := route(method, path)
	delete(f.failures, key)
	f.responses[key] = value
}

// Fail makes method and path return err.
func (f *Fake) Fail(method, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route(method, path)] = err
}

// FailStatus makes method and path fail with the given HTTP status.
func (f *Fake) FailStatus(method, path string, statusCode int) {
	f.Fail(method, path, remote.NewStatusError(method, path, statusCode))
}

// Hold installs a gate on method and path.
func (f *Fake) Hold(method, path string) *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := &Gate{
		entered:  make(chan struct{}, 16),
		released: make(chan struct{}),
	}
	f.gates[route(method, path)] = gate
	return gate
}

// Calls returns a copy of the recorded requests.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many requests were received.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Fake) List(ctx context.Context, collection string, out any) error {
	return f.serve(ctx, http.MethodGet, collection, nil, out)
}

func (f *Fake) Get(ctx context.Context, collection string, id int64, out any) error {
	return f.serve(ctx, http.MethodGet, Member(collection, id), nil, out)
}

func (f *Fake) Create(ctx context.Context, collection string, body any, out any) error {
	return f.serve(ctx, http.MethodPost, collection, body, out)
}

func (f *Fake) Update(ctx context.Context, collection string, id int64, body any, out any) error {
	return f.serve(ctx, http.MethodPut, Member(collection, id), body, out)
}

func (f *Fake) Delete(ctx context.Context, collection string, id int64) error {
	return f.serve(ctx, http.MethodDelete, Member(collection, id), nil, nil)
}

func (f *Fake) serve(ctx context.Context, method, path string, body any, out any) error {
	key := route(method, path)

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Path: path, Body: body})
	gate := f.gates[key]
	f.mu.Unlock()

	if gate != nil {
		gate.entered <- struct{}{}
		select {
		case <-gate.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	failure, failed := f.failures[key]
	response, found := f.responses[key]
	f.mu.Unlock()

	if failed {
		return failure
	}
	if !found {
		return remote.NewStatusError(method, path, http.StatusNotFound)
	}
	if out == nil {
		return nil
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

// Member joins a collection path and an identifier.
func Member(collection string, id int64) string {
	return strings.TrimRight(collection, "/") + "/" + strconv.FormatInt(id, 10)
}

func route(method, path string) string {
	return method + " " + path
}
