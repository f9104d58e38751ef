// Package pool arbitrates contention for the plant's resources. Every
// mutation of a resource during a run happens inside a pool operation:
// Request/Release for reusable kinds, Consume/Produce for consumables.
package pool

import (
	"fmt"
	"log/slog"

	"github.com/gammazero/deque"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/sim"
)

// GrantFunc receives the handle once the requested amount has been carved
// out of the pool. It runs on the engine loop at the grant's virtual time.
type GrantFunc func(*Handle)

type waiter struct {
	requester string
	amount    float64
	priority  int
	seq       uint64
	grant     GrantFunc
}

// Pool mediates access to one named resource. Requests never fail: they are
// granted immediately or suspended until capacity returns. Grants are served
// strictly in (priority, arrival) order with head-of-line blocking, which is
// what keeps large requests from starving.
type Pool struct {
	engine   *sim.Engine
	logger   *slog.Logger
	resource *models.Resource
	capacity float64
	seq      uint64
	waiters  deque.Deque[*waiter]
}

func newPool(engine *sim.Engine, logger *slog.Logger, res *models.Resource) *Pool {
	return &Pool{
		engine:   engine,
		logger:   logger.With("resource", res.ID),
		resource: res,
		capacity: res.Quantity,
	}
}

// Resource returns the pooled resource. Callers must treat it as read-only;
// the request/release protocol is the only mutation path.
func (p *Pool) Resource() *models.Resource {
	return p.resource
}

// Available returns the quantity currently grantable.
func (p *Pool) Available() float64 {
	return p.resource.Quantity
}

// QueueLen returns the number of suspended requests.
func (p *Pool) QueueLen() int {
	return p.waiters.Len()
}

// Request carves amount out of the pool and hands a Handle to grant. If the
// pool cannot satisfy the request right now the caller is suspended; the
// grant runs later, at the virtual time capacity returns. Either way the
// grant is dispatched through the engine so same-time grants keep the
// deterministic priority-then-submission order.
func (p *Pool) Request(requester string, amount float64, priority int, grant GrantFunc) {
	p.seq++
	w := &waiter{requester: requester, amount: amount, priority: priority, seq: p.seq, grant: grant}
	p.waiters.PushBack(w)
	p.dispatch()
}

// Release returns a handle's amount to the pool and wakes suspended
// requests. Releasing a consumable handle is a no-op: consumed material
// does not come back, producers replenish it.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true
	if !p.resource.Kind.Reusable() {
		return
	}
	if err := p.resource.Produce(h.amount); err != nil {
		p.logger.Error("release failed", "error", err)
		return
	}
	p.dispatch()
}

// Consume permanently removes amount. Fails without mutation when amount
// exceeds the available quantity or the resource is unavailable.
func (p *Pool) Consume(amount float64) error {
	return p.resource.Consume(amount)
}

// Produce adds amount and wakes requests that were suspended on it.
func (p *Pool) Produce(amount float64) error {
	if err := p.resource.Produce(amount); err != nil {
		return err
	}
	p.dispatch()
	return nil
}

// dispatch grants suspended requests in (priority, arrival) order for as
// long as the head request fits. A head request larger than the current
// availability blocks everything behind it by design of the FIFO guarantee.
func (p *Pool) dispatch() {
	for p.waiters.Len() > 0 {
		best := 0
		for i := 1; i < p.waiters.Len(); i++ {
			w, b := p.waiters.At(i), p.waiters.At(best)
			if w.priority < b.priority || (w.priority == b.priority && w.seq < b.seq) {
				best = i
			}
		}
		w := p.waiters.At(best)
		if w.amount > p.resource.Quantity || !p.resource.Available {
			return
		}
		p.waiters.Remove(best)
		if err := p.resource.Consume(w.amount); err != nil {
			p.logger.Error("grant failed", "requester", w.requester, "error", err)
			continue
		}
		h := &Handle{pool: p, amount: w.amount, requester: w.requester}
		grant := w.grant
		p.engine.Schedule(p.engine.Now(), w.priority, func() { grant(h) })
		p.logger.Debug("granted",
			"requester", w.requester, "amount", w.amount, "at", float64(p.engine.Now()))
	}
}

// Status reports the pool state for collaborators.
type Status struct {
	ResourceID string              `json:"resource_id"`
	Name       string              `json:"name"`
	Kind       models.ResourceKind `json:"kind"`
	Capacity   float64             `json:"capacity"`
	Available  float64             `json:"available"`
	Waiting    int                 `json:"waiting"`
}

func (p *Pool) Status() Status {
	return Status{
		ResourceID: p.resource.ID,
		Name:       p.resource.DisplayName,
		Kind:       p.resource.Kind,
		Capacity:   p.capacity,
		Available:  p.resource.Quantity,
		Waiting:    p.waiters.Len(),
	}
}

// Handle is proof of an outstanding grant. Reusable holdings return to the
// pool on Release; consumable holdings do not.
type Handle struct {
	pool      *Pool
	amount    float64
	requester string
	released  bool
}

func (h *Handle) Amount() float64 {
	return h.amount
}

// ResourceID identifies the pooled resource this handle holds.
func (h *Handle) ResourceID() string {
	return h.pool.resource.ID
}

func (h *Handle) Release() {
	h.pool.Release(h)
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s holds %v of %s", h.requester, h.amount, h.pool.resource.ID)
}
