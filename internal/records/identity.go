package records

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPostThreshold is the number of posts seeded on the remote dataset.
	DefaultPostThreshold int64 = 100
	// DefaultCommentThreshold is the number of comments seeded on the remote dataset.
	DefaultCommentThreshold int64 = 500
)

// ErrInvalidThreshold indicates that a classifier threshold is negative.
var ErrInvalidThreshold = errors.New("records: invalid identifier threshold")

// Provenance tells whether an identifier was assigned by the remote side or by this process.
type Provenance string

const (
	// ProvenanceRemote marks identifiers assigned by the remote data source.
	ProvenanceRemote Provenance = "remote"
	// ProvenanceLocal marks identifiers generated at optimistic-creation time.
	ProvenanceLocal Provenance = "local"
)

// Classifier separates local identifiers from remote ones with a fixed numeric threshold.
// Anything above the threshold is treated as local. The remote dataset growing past the
// threshold breaks the classification.
type Classifier struct {
	threshold int64
}

// NewClassifier validates the threshold and returns a Classifier.
func NewClassifier(threshold int64) (Classifier, error) {
	if threshold < 0 {
		return Classifier{}, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	return Classifier{threshold: threshold}, nil
}

// Threshold returns the highest identifier still classified as remote.
func (c Classifier) Threshold() int64 {
	return c.threshold
}

// Classify reports the provenance of the identifier.
func (c Classifier) Classify(id int64) Provenance {
	if id > c.threshold {
		return ProvenanceLocal
	}
	return ProvenanceRemote
}

// IsLocal reports whether the identifier was generated locally.
func (c Classifier) IsLocal(id int64) bool {
	return c.Classify(id) == ProvenanceLocal
}

// IDProvider issues identifiers for optimistically created records.
type IDProvider interface {
	NewID() (int64, error)
}

type clockIDProvider struct {
	mu    sync.Mutex
	clock func() time.Time
	floor int64
	last  int64
}

// NewClockIDProvider constructs an IDProvider that issues millisecond timestamps. Identifiers
// are strictly increasing within the process and always greater than floor.
func NewClockIDProvider(clock func() time.Time, floor int64) IDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &clockIDProvider{clock: clock, floor: floor}
}

func (p *clockIDProvider) NewID() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candidate := p.clock().UnixMilli()
	if candidate <= p.floor {
		candidate = p.floor + 1
	}
	if candidate <= p.last {
		candidate = p.last + 1
	}
	p.last = candidate
	return candidate, nil
}
