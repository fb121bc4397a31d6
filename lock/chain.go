package lock

import (
	"fmt"
	"time"

	"github.com/janelia-flyem/dso/dso"
)

// ContextState is the role of a client thread in a lock's context chain.
type ContextState uint8

const (
	HolderState ContextState = iota + 1
	GreedyHolderState
	PendingState
	TryPendingState
	WaiterState
)

func (s ContextState) String() string {
	switch s {
	case HolderState:
		return "holder"
	case GreedyHolderState:
		return "greedy holder"
	case PendingState:
		return "pending"
	case TryPendingState:
		return "try pending"
	case WaiterState:
		return "waiter"
	default:
		return fmt.Sprintf("unknown context state %d", uint8(s))
	}
}

// lockContext is one (client, thread) slot in a lock's chain.  A greedy holder stands
// for a whole client and has thread GreedyThread.
type lockContext struct {
	client dso.NodeID
	thread dso.ThreadID
	level  Level
	state  ContextState
	count  int // reentrant depth of a holder, restored when a waiter reacquires
	timer  *time.Timer
	gen    uint64 // distinguishes the current timer from ones already stopped
}

func (ctx *lockContext) stopTimer() {
	if ctx.timer != nil {
		ctx.timer.Stop()
		ctx.timer = nil
	}
}

func (ctx *lockContext) isHolder() bool {
	return ctx.state == HolderState || ctx.state == GreedyHolderState
}

func (ctx *lockContext) isPending() bool {
	return ctx.state == PendingState || ctx.state == TryPendingState
}

type chainKind uint8

const (
	emptyChain chainKind = iota
	singleChain
	linkedChain
)

type linkedContext struct {
	ctx  *lockContext
	next *linkedContext
}

// contextChain holds a lock's contexts in arrival order.  A chain of one context keeps
// it without a list node and is promoted to a linked list when a second context is
// added; it is demoted again when removals leave one.
type contextChain struct {
	kind   chainKind
	single *lockContext
	head   *linkedContext
	tail   *linkedContext
	n      int
}

func (c *contextChain) len() int {
	return c.n
}

func (c *contextChain) add(ctx *lockContext) {
	switch c.kind {
	case emptyChain:
		c.kind = singleChain
		c.single = ctx
	case singleChain:
		c.head = &linkedContext{ctx: c.single}
		c.tail = c.head
		c.single = nil
		c.kind = linkedChain
		fallthrough
	case linkedChain:
		node := &linkedContext{ctx: ctx}
		c.tail.next = node
		c.tail = node
	}
	c.n++
}

// remove unlinks ctx and returns false if it was not in the chain.
func (c *contextChain) remove(ctx *lockContext) bool {
	switch c.kind {
	case singleChain:
		if c.single != ctx {
			return false
		}
		c.single = nil
		c.kind = emptyChain
		c.n = 0
		return true
	case linkedChain:
		var prev *linkedContext
		for node := c.head; node != nil; prev, node = node, node.next {
			if node.ctx != ctx {
				continue
			}
			if prev == nil {
				c.head = node.next
			} else {
				prev.next = node.next
			}
			if c.tail == node {
				c.tail = prev
			}
			c.n--
			if c.n == 1 {
				c.single = c.head.ctx
				c.head, c.tail = nil, nil
				c.kind = singleChain
			}
			return true
		}
	}
	return false
}

func (c *contextChain) contains(ctx *lockContext) bool {
	found := false
	c.each(func(cur *lockContext) bool {
		found = cur == ctx
		return !found
	})
	return found
}

// each calls f on contexts in order until f returns false.  f must not modify the
// chain.
func (c *contextChain) each(f func(*lockContext) bool) {
	switch c.kind {
	case singleChain:
		f(c.single)
	case linkedChain:
		for node := c.head; node != nil; node = node.next {
			if !f(node.ctx) {
				return
			}
		}
	}
}

// collect returns the contexts for which keep returns true, in order.
func (c *contextChain) collect(keep func(*lockContext) bool) []*lockContext {
	var ctxs []*lockContext
	c.each(func(ctx *lockContext) bool {
		if keep(ctx) {
			ctxs = append(ctxs, ctx)
		}
		return true
	})
	return ctxs
}

func (c *contextChain) find(match func(*lockContext) bool) *lockContext {
	var found *lockContext
	c.each(func(ctx *lockContext) bool {
		if match(ctx) {
			found = ctx
			return false
		}
		return true
	})
	return found
}
