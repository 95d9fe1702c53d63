// Package embedactor implements the Embedding Actor: the single long-lived
// owner of the non-reentrant native embedding library.
package embedactor

import (
	"context"
	"fmt"

	"magicfs/internal/logging"
)

var log = logging.GetLogger().WithPrefix("embedactor")

// Model is the black-box embedding function MagicFS treats as an external
// collaborator: strings in, fixed-length float vectors out. It is not safe
// for concurrent calls, which is the entire reason this package exists.
type Model interface {
	// Embed returns one vector per input string, in order.
	Embed(inputs []string) ([][]float32, error)
	// Dimension is the fixed vector length this model produces.
	Dimension() int
	// Tag identifies the model for per-model database isolation.
	Tag() string
}

type request struct {
	inputs []string
	reply  chan reply
}

type reply struct {
	vectors [][]float32
	err     error
}

// Actor serializes every call into Model behind a single goroutine. A mutex
// is not enough here: concurrent callers contending for a lock around the
// same native call have been observed to corrupt process memory in this
// library family, so the actor's channel must be the only call site.
type Actor struct {
	model    Model
	queue    chan request
	done     chan struct{}
	maxBatch int
}

// New starts the actor goroutine and returns a handle to it. queueDepth
// bounds how many batch requests may be pending; maxBatch bounds how many
// already-queued requests get coalesced into a single call to Model.Embed.
func New(model Model, queueDepth, maxBatch int) *Actor {
	if maxBatch < 1 {
		maxBatch = 1
	}
	a := &Actor{
		model:    model,
		queue:    make(chan request, queueDepth),
		done:     make(chan struct{}),
		maxBatch: maxBatch,
	}
	go a.run()
	return a
}

// Embed sends a batch of inputs to the actor and waits for the matching
// reply. The actor always signals the reply channel, including on failure,
// and Embed also returns on ctx cancellation or once the actor is stopped,
// so no waiter can hang forever.
func (a *Actor) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	req := request{inputs: inputs, reply: make(chan reply, 1)}

	select {
	case a.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, fmt.Errorf("embedding actor stopped")
	}

	select {
	case r := <-req.reply:
		return r.vectors, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, fmt.Errorf("embedding actor stopped")
	}
}

// Stop signals the actor goroutine to exit after draining in-flight work.
func (a *Actor) Stop() {
	close(a.done)
}

// run is the actor's single goroutine: the only call site into Model for
// the process lifetime. It coalesces any additional requests already
// sitting in the queue into one physical call, up to maxBatch.
func (a *Actor) run() {
	log.Info("embedding actor started (model=%s, dim=%d)", a.model.Tag(), a.model.Dimension())
	for {
		select {
		case req := <-a.queue:
			a.processBatch(req)
		case <-a.done:
			log.Info("embedding actor stopping")
			return
		}
	}
}

func (a *Actor) processBatch(first request) {
	batch := []request{first}

coalesce:
	for len(batch) < a.maxBatch {
		select {
		case next := <-a.queue:
			batch = append(batch, next)
		default:
			break coalesce
		}
	}

	var allInputs []string
	offsets := make([]int, len(batch)+1)
	for i, r := range batch {
		offsets[i] = len(allInputs)
		allInputs = append(allInputs, r.inputs...)
	}
	offsets[len(batch)] = len(allInputs)

	vectors, err := a.model.Embed(allInputs)
	if err != nil {
		log.Error("embedding call failed for %d inputs: %v", len(allInputs), err)
		for _, r := range batch {
			// The reply channel must always be signaled, even on failure,
			// or a readdir waiter upstream could hang indefinitely.
			r.reply <- reply{err: err}
		}
		return
	}

	for i, r := range batch {
		r.reply <- reply{vectors: vectors[offsets[i]:offsets[i+1]]}
	}
}
