package pipeline

import (
	"crypto/sha256"
	"hash"
	"sync"

	"github.com/maren/evmount/internal/image"
)

// JobContext carries one container's state across phases. It lives in
// memory from the moment the container enters the mount phase until the
// job ends; a failed phase records the error but keeps the context, so
// later phases can skip the container instead of losing track of it.
type JobContext struct {
	Container *image.Container
	Result    *image.MountResult // nil for memory images and mount failures
	Handles   []image.Entry
	OutputDir string
	Hash      hash.Hash // running acquisition hash, nil unless requested
	Digest    string    // hex SHA-256 of the container, set after the mount phase

	mu        sync.Mutex
	completed map[Phase]bool
	failure   error
}

// NewJobContext creates the context when a container begins the mount phase.
func NewJobContext(ctr *image.Container, outputDir string, withHash bool) *JobContext {
	jc := &JobContext{
		Container: ctr,
		OutputDir: outputDir,
		completed: make(map[Phase]bool),
	}
	if withHash {
		jc.Hash = sha256.New()
	}
	return jc
}

// Complete marks a phase as successfully finished for this container.
func (jc *JobContext) Complete(p Phase) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.completed[p] = true
}

// Completed reports whether a phase finished for this container.
func (jc *JobContext) Completed(p Phase) bool {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.completed[p]
}

// Fail records the first failure. Later phases consult Failed to skip the
// container without blocking others.
func (jc *JobContext) Fail(err error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.failure == nil {
		jc.failure = err
	}
}

// Failed returns the recorded failure, nil when the container is healthy.
func (jc *JobContext) Failed() error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.failure
}

// Memory reports whether this context belongs to a memory image.
func (jc *JobContext) Memory() bool {
	return jc.Container.Family == image.FamilyMemory
}
