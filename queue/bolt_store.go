package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
)

var (
	bucketRequests = []byte("requests")
	bucketParams   = []byte("params")
	bucketLocks    = []byte("locks")
	bucketZones    = []byte("zones")
)

// BoltQueue is a reference Shared Queue implementation backed by an
// embedded bbolt database. It is not a scheduler: it stores exactly the
// fields the contract in queue.go needs and publishes events only through
// an optional Redis-backed event bus; without one, no events are sent and
// Subscribe returns an error.
type BoltQueue struct {
	db  *bolt.DB
	log logger.Logger

	events *eventBus

	mu    sync.Mutex
	locks map[string]string // build id -> lock token held by this process
}

// Open creates or opens a bbolt-backed queue at path.
func Open(path string, log logger.Logger, events *eventBus) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketParams, bucketLocks, bucketZones} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltQueue{db: db, log: log, events: events, locks: map[string]string{}}, nil
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// Submit inserts a new REQUESTED build request and its params, then
// notifies subscribers. Submit is not part of the Queue interface (it is
// called by the scheduler side, outside this spec's scope); it is exposed
// so tests and the reference CLI can seed the queue.
func (q *BoltQueue) Submit(ctx context.Context, req *model.BuildRequest, params model.Params) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.State = model.StateRequested
	req.CreatedAt = req.CreatedAt.UTC()
	req.ParamsKey = req.ID

	err := q.db.Update(func(tx *bolt.Tx) error {
		reqData, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequests).Put([]byte(req.ID), reqData); err != nil {
			return err
		}
		paramsData, err := json.Marshal(params)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketParams).Put([]byte(req.ParamsKey), paramsData)
	})
	if err != nil {
		return err
	}
	if q.events != nil {
		q.events.publish(ctx, Event{Kind: EventNewRequest, BuildID: req.ID, Zone: req.Zone})
	}
	return nil
}

func (q *BoltQueue) Next(ctx context.Context, zones []string) ([]*model.BuildRequest, error) {
	want := map[string]bool{}
	for _, z := range zones {
		want[z] = true
	}
	var out []*model.BuildRequest
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var req model.BuildRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.State != model.StateRequested {
				continue
			}
			if req.Zone != "" && !want[req.Zone] {
				continue
			}
			if req.Zone == "" && len(zones) > 0 {
				continue
			}
			reqCopy := req
			out = append(out, &reqCopy)
		}
		return nil
	})
	return out, err
}

func (q *BoltQueue) Lock(ctx context.Context, req *model.BuildRequest, blocking bool) error {
	token := uuid.NewString()
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		var acquired bool
		err := q.db.Update(func(tx *bolt.Tx) error {
			lb := tx.Bucket(bucketLocks)
			if existing := lb.Get([]byte(req.ID)); existing != nil {
				return nil
			}
			rb := tx.Bucket(bucketRequests)
			if rb.Get([]byte(req.ID)) == nil {
				return ErrNotFound
			}
			acquired = true
			return lb.Put([]byte(req.ID), []byte(token))
		})
		if err != nil {
			return err
		}
		if acquired {
			q.locks[req.ID] = token
			return nil
		}
		if !blocking {
			return ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *BoltQueue) Unlock(ctx context.Context, req *model.BuildRequest) error {
	q.mu.Lock()
	token, owned := q.locks[req.ID]
	delete(q.locks, req.ID)
	q.mu.Unlock()
	if !owned {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLocks)
		existing := lb.Get([]byte(req.ID))
		if existing == nil {
			return ErrNotFound
		}
		if string(existing) != token {
			return ErrLockLost
		}
		return lb.Delete([]byte(req.ID))
	})
}

func (q *BoltQueue) requireLock(req *model.BuildRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.locks[req.ID]; !ok {
		return ErrLockLost
	}
	return nil
}

func (q *BoltQueue) GetParams(ctx context.Context, req *model.BuildRequest) (model.Params, error) {
	var params model.Params
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketParams).Get([]byte(req.ParamsKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &params)
	})
	return params, err
}

func (q *BoltQueue) ClearParams(ctx context.Context, req *model.BuildRequest) error {
	if err := q.requireLock(req); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParams).Delete([]byte(req.ParamsKey))
	})
}

func (q *BoltQueue) Update(ctx context.Context, req *model.BuildRequest) error {
	if err := q.requireLock(req); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		if b.Get([]byte(req.ID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return b.Put([]byte(req.ID), data)
	})
}

func (q *BoltQueue) FulfillCancel(ctx context.Context, req *model.BuildRequest) error {
	if q.events != nil {
		q.events.publish(ctx, Event{Kind: EventCancel, BuildID: req.ID, Zone: req.Zone})
	}
	return nil
}

func (q *BoltQueue) FulfillResume(ctx context.Context, req *model.BuildRequest) error {
	if q.events != nil {
		q.events.publish(ctx, Event{Kind: EventResume, BuildID: req.ID, Zone: req.Zone})
	}
	return nil
}

func (q *BoltQueue) WorkerInfo(ctx context.Context, buildID string) (model.WorkerInfo, model.State, error) {
	var req model.BuildRequest
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(buildID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return model.WorkerInfo{}, "", err
	}
	return req.WorkerInfo, req.State, nil
}

func (q *BoltQueue) RegisterZone(ctx context.Context, zone, gatewayAddr string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketZones).Put([]byte("fingergw:info:"+zone), []byte(gatewayAddr))
	})
}

func (q *BoltQueue) LookupZone(ctx context.Context, zone string) (string, bool, error) {
	var addr string
	var found bool
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketZones).Get([]byte("fingergw:info:" + zone))
		if v != nil {
			addr = string(v)
			found = true
		}
		return nil
	})
	return addr, found, err
}

func (q *BoltQueue) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	if q.events == nil {
		return nil
	}
	return q.events.publishCompletion(ctx, event)
}

func (q *BoltQueue) Subscribe(ctx context.Context, zones []string) (<-chan Event, error) {
	if q.events == nil {
		return nil, fmt.Errorf("queue: no event bus configured")
	}
	return q.events.subscribe(ctx, zones), nil
}
