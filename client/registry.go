package client

import (
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/luma/routeros/protocol"
)

var (
	ErrEmptyTag   = errors.New("tag must not be empty")
	ErrTagInUse   = errors.New("tag is already in use by an outstanding request")
	ErrUnknownTag = errors.New("no outstanding request has this tag")
)

// TagRegistry tracks the tags of outstanding requests. A tag is registered
// from the moment its request is sent until its exchange is finished and every
// response of it was consumed, and must not be reused in between.
type TagRegistry struct {
	mu      sync.Mutex
	tags    map[string]struct{}
	counter uint32
}

func NewTagRegistry() *TagRegistry {
	return &TagRegistry{tags: make(map[string]struct{})}
}

// GenerateTag returns a tag that is not registered. It does not register it.
func (r *TagRegistry) GenerateTag() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.counter < math.MaxUint32-1 {
			r.counter += 1
		} else {
			// Wrap around instead of overflowing
			r.counter = 0
		}

		tag := strconv.FormatUint(uint64(r.counter), 36)

		// Skip tags callers picked themselves
		if _, taken := r.tags[tag]; !taken {
			return tag
		}
	}
}

// IsValid reports whether tag could be registered right now.
func (r *TagRegistry) IsValid(tag string) bool {
	if tag == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.tags[tag]
	return !taken
}

// Append registers tag.
func (r *TagRegistry) Append(tag string) error {
	if tag == "" {
		return protocol.NewArgumentError("register tag", tag, ErrEmptyTag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.tags[tag]; taken {
		return protocol.NewArgumentError("register tag", tag, ErrTagInUse)
	}

	r.tags[tag] = struct{}{}
	return nil
}

// Remove releases tag so it can be used again. Removing an unknown tag does
// nothing.
func (r *TagRegistry) Remove(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tags, tag)
}

// Contains reports whether tag is registered.
func (r *TagRegistry) Contains(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tags[tag]
	return ok
}

func (r *TagRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tags)
}
