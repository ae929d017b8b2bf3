package build

import (
	"sync"

	"github.com/zuul-ci/zuul-core/model"
)

// AutoholdStore tracks autohold requests across the many Worker instances an
// executor creates over its lifetime: a new Worker runs each build, but a
// request's CurrentCount has to survive from one build to the next or the
// same (tenant, project, job) would re-trigger the hold forever. A nil
// *AutoholdStore behaves like an empty store.
type AutoholdStore struct {
	mu       sync.Mutex
	requests []model.AutoholdRequest
}

// NewAutoholdStore returns a store seeded with the given requests.
func NewAutoholdStore(requests []model.AutoholdRequest) *AutoholdStore {
	return &AutoholdStore{requests: requests}
}

// Select picks the best matching, non-exhausted request, if any.
func (s *AutoholdStore) Select(tenant, project, job, ref, change string) (model.AutoholdRequest, bool) {
	if s == nil {
		return model.AutoholdRequest{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SelectAutohold(s.requests, tenant, project, job, ref, change)
}

// Increment records one more hold against the request with the given ID.
func (s *AutoholdStore) Increment(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.requests {
		if s.requests[i].ID == id {
			s.requests[i].CurrentCount++
			return
		}
	}
}
