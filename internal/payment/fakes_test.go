package payment_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRepo is an in-memory payment store with the same conditional update
// semantics as the postgres repository.
type fakeRepo struct {
	mu          sync.Mutex
	payments    map[string]*payment.Payment
	transitions []paymentpkg.Transition
	deleted     []string

	createErr     error
	getErr        error
	transitionErr error
	deleteErr     error
	listErr       error
}

func newFakeRepo(ps ...*payment.Payment) *fakeRepo {
	r := &fakeRepo{payments: make(map[string]*payment.Payment)}
	for _, p := range ps {
		cp := *p
		r.payments[p.ID] = &cp
	}
	return r
}

func (r *fakeRepo) Create(_ context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	p, ok := r.payments[id]
	if !ok {
		return nil, internal.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) GetByRemoteID(_ context.Context, remoteID string) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, p := range r.payments {
		if p.RemoteID == remoteID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, internal.ErrPaymentNotFound
}

func (r *fakeRepo) TransitionState(_ context.Context, id string, t paymentpkg.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return r.transitionErr
	}
	p, ok := r.payments[id]
	if !ok {
		return internal.ErrPaymentNotFound
	}
	if p.State != t.From {
		return internal.ErrStaleState
	}
	p.State = t.To
	p.RemoteState = t.RemoteState
	if t.Amount != nil {
		p.Amount = *t.Amount
	}
	if t.RefundedAmount != nil {
		p.RefundedAmount = *t.RefundedAmount
	}
	p.UpdatedAt = time.Now()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string, from payment.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	p, ok := r.payments[id]
	if !ok {
		return internal.ErrPaymentNotFound
	}
	if p.State != from {
		return internal.ErrStaleState
	}
	delete(r.payments, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRepo) ListStalled(_ context.Context, updatedBefore time.Time, limit int) ([]*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*payment.Payment
	for _, p := range r.payments {
		if p.State.Unresolved() && p.UpdatedAt.Before(updatedBefore) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) get(id string) *payment.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

type fakeOrders struct {
	orders map[int64]*order.Order
	err    error
}

func newFakeOrders(orders ...*order.Order) *fakeOrders {
	f := &fakeOrders{orders: make(map[int64]*order.Order)}
	for _, o := range orders {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeOrders) GetOrder(_ context.Context, id int64) (*order.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, internal.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

type fakeGateway struct {
	mu sync.Mutex

	registerResp *paymentgateway.RegisterResponse
	registerErr  error
	queryResult  *paymentgateway.RemoteResult
	queryErr     error
	captureRes   *paymentgateway.RemoteResult
	captureErr   error
	reverseRes   *paymentgateway.RemoteResult
	reverseErr   error

	registered []*paymentgateway.RegisterRequest
	queried    []string
	captured   []*paymentgateway.CaptureRequest
	reversed   []decimal.Decimal
}

func (g *fakeGateway) Register(_ context.Context, req *paymentgateway.RegisterRequest) (*paymentgateway.RegisterResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, req)
	return g.registerResp, g.registerErr
}

func (g *fakeGateway) QueryResult(_ context.Context, transactionID, _ string) (*paymentgateway.RemoteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, transactionID)
	return g.queryResult, g.queryErr
}

func (g *fakeGateway) Capture(_ context.Context, req *paymentgateway.CaptureRequest) (*paymentgateway.RemoteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured = append(g.captured, req)
	return g.captureRes, g.captureErr
}

func (g *fakeGateway) Reverse(_ context.Context, _ string, amount decimal.Decimal) (*paymentgateway.RemoteResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reversed = append(g.reversed, amount)
	return g.reverseRes, g.reverseErr
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queried)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*events.PaymentStateChangedEvent
}

func (f *fakePublisher) Publish(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if changed, ok := e.(*events.PaymentStateChangedEvent); ok {
		f.events = append(f.events, changed)
	}
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType())
	}
	return out
}

// brokenLocker fails every TryLock with a backend error.
type brokenLocker struct{}

func (brokenLocker) TryLock(context.Context, string) (lock.Lease, error) {
	return nil, errors.New("redis: connection refused")
}

type fakeQueue struct {
	mu       sync.Mutex
	nextID   int64
	items    map[int64]*queued
	acked    []int64
	released []int64
	claimErr error
}

type queued struct {
	item         paymentpkg.QueueItem
	claimedUntil time.Time
	enqueuedAt   int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[int64]*queued)}
}

func (q *fakeQueue) Enqueue(_ context.Context, paymentIDs ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
outer:
	for _, id := range paymentIDs {
		for _, it := range q.items {
			if it.item.PaymentID == id {
				continue outer
			}
		}
		q.nextID++
		q.items[q.nextID] = &queued{item: paymentpkg.QueueItem{ID: q.nextID, PaymentID: id}, enqueuedAt: q.nextID}
		n++
	}
	return n, nil
}

func (q *fakeQueue) Claim(_ context.Context, limit int, lease time.Duration) ([]paymentpkg.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	now := time.Now()
	var visible []*queued
	for _, it := range q.items {
		if it.claimedUntil.Before(now) {
			visible = append(visible, it)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].enqueuedAt < visible[j].enqueuedAt })
	var out []paymentpkg.QueueItem
	for _, it := range visible {
		if len(out) == limit {
			break
		}
		it.claimedUntil = now.Add(lease)
		it.item.Attempts++
		out = append(out, it.item)
	}
	return out, nil
}

func (q *fakeQueue) Ack(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, id int64, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.claimedUntil = time.Now().Add(delay)
	}
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func okResult(status, code string) *paymentgateway.RemoteResult {
	raw := map[string]string{paymentgateway.KeyResult: status}
	if code != "" {
		raw[paymentgateway.KeyResultCode] = code
	}
	return paymentgateway.NewRemoteResult(raw)
}

func newOrder(id int64) *order.Order {
	return &order.Order{
		ID:           id,
		State:        order.StatePlaced,
		IPAddress:    "10.0.0.1",
		Balance:      decimal.RequireFromString("125.50"),
		Currency:     "MDL",
		ItemCount:    2,
		CheckoutStep: "payment",
		Language:     "ro",
	}
}

func newPayment(id, remoteID string, orderID int64, state payment.State) *payment.Payment {
	now := time.Now()
	return &payment.Payment{
		ID:          id,
		OrderID:     orderID,
		RemoteID:    remoteID,
		Amount:      decimal.RequireFromString("125.50"),
		Currency:    "MDL",
		State:       state,
		RemoteState: paymentgateway.ResultCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
