package chatsync

import (
	"context"
	"errors"
	"sync"
)

// MutationState is the lifecycle position of one mutation.
type MutationState int

const (
	StateIdle MutationState = iota
	StateOptimisticApplied
	StateReconciled
	StateRolledBack
	StateSettled
)

func (s MutationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimisticApplied:
		return "optimistic_applied"
	case StateReconciled:
		return "reconciled"
	case StateRolledBack:
		return "rolled_back"
	case StateSettled:
		return "settled"
	}
	return "unknown"
}

// Pending tracks a mutation whose optimistic write is already visible in the
// cache and whose remote call is in flight.
type Pending[T any] struct {
	op          string
	placeholder T
	done        chan struct{}

	mu      sync.Mutex
	state   MutationState
	history []MutationState
	result  T
	err     error
}

func newPending[T any](op string, placeholder T) *Pending[T] {
	return &Pending[T]{
		op:          op,
		placeholder: placeholder,
		done:        make(chan struct{}),
		history:     []MutationState{StateIdle},
	}
}

// Placeholder returns the entity as it was written optimistically.
func (p *Pending[T]) Placeholder() T { return p.placeholder }

// State returns the current lifecycle state.
func (p *Pending[T]) State() MutationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns every state the mutation went through, in order.
func (p *Pending[T]) History() []MutationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MutationState(nil), p.history...)
}

// Done is closed once the mutation has settled.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation settles and returns the authoritative entity
// or a *MutationError.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Pending[T]) transition(s MutationState) {
	p.mu.Lock()
	p.state = s
	p.history = append(p.history, s)
	p.mu.Unlock()
}

func (p *Pending[T]) settle(result T, err error) {
	p.mu.Lock()
	p.result = result
	p.err = err
	p.state = StateSettled
	p.history = append(p.history, StateSettled)
	p.mu.Unlock()
	close(p.done)
}

// failed returns a settled mutation that never touched the cache, used for
// requests rejected before the optimistic write.
func failed[T any](op string, item T, err error) *Pending[T] {
	p := newPending(op, item)
	var zero T
	p.settle(zero, &MutationError{Op: op, Err: err})
	return p
}

// ============================================================================
// Mutation runner
// ============================================================================

type mutation[T any] struct {
	op      string
	kind    MutationKind
	item    T
	adapter EntityAdapter[T]
	call    func(ctx context.Context) (T, error)
	// settleKeys lists extra keys to invalidate once the outcome is known.
	settleKeys func(server T) []Key
}

// launch applies m optimistically, then runs its remote call in the
// background. Settle ordering: reconcile or rollback, then invalidate.
func launch[T any](ctx context.Context, c *Client, m mutation[T]) *Pending[T] {
	p := newPending(m.op, m.item)
	if !c.track() {
		var zero T
		p.settle(zero, &MutationError{Op: m.op, Err: ErrClosed})
		return p
	}

	tok := Apply(c.store, m.adapter, m.kind, m.item)
	p.transition(StateOptimisticApplied)
	c.emit(EventApplied, MutationEvent{Op: m.op, Kind: m.kind, Keys: tok.Keys()})

	go func() {
		defer c.wg.Done()
		server, err := m.call(ctx)

		keys := m.adapter.Keys(m.item, m.kind)
		if err != nil {
			tok.Rollback()
			p.transition(StateRolledBack)
			c.emit(EventRolledBack, MutationEvent{Op: m.op, Kind: m.kind, Keys: tok.Keys(), Err: err})
			if m.settleKeys != nil {
				keys = append(keys, m.settleKeys(server)...)
			}
			c.store.Invalidate(keys...)
			c.log.Warn().Err(err).Str("op", m.op).Msg("mutation_failed")

			var zero T
			p.settle(zero, &MutationError{Op: m.op, Partial: errors.Is(err, ErrPartialFailure), Err: err})
			c.emit(EventSettled, MutationEvent{Op: m.op, Kind: m.kind, Err: err})
			return
		}

		tok.Discard()
		if m.kind != MutationRemove {
			Reconcile(c.store, m.adapter, m.item, server)
			keys = append(keys, m.adapter.Keys(server, m.kind)...)
		}
		p.transition(StateReconciled)
		c.emit(EventReconciled, MutationEvent{Op: m.op, Kind: m.kind, Keys: keys})
		if m.settleKeys != nil {
			keys = append(keys, m.settleKeys(server)...)
		}
		c.store.Invalidate(keys...)
		c.log.Debug().Str("op", m.op).Msg("mutation_settled")

		p.settle(server, nil)
		c.emit(EventSettled, MutationEvent{Op: m.op, Kind: m.kind})
	}()
	return p
}
