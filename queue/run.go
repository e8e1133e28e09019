// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"sync"
	"time"

	"github.com/coremq/msgstore/msgid"
)

// opKind enumerates the requests Run's select loop accepts. Like
// msgstore.Store, Backing owns all of its mutable state and is driven
// entirely through this single channel, so every exported mutating
// method below is really just a request-and-wait wrapper.
type opKind int

const (
	opPublish opKind = iota
	opFetch
	opAck
	opRequeue
	opDropWhile
	opUpdateTarget
	opReduce
	opTerminate
)

type op struct {
	kind   opKind
	pos    Position
	id     msgid.ID
	pred   func(Position) bool
	xform  func(Props) Props
	target int64
	result chan opResult
}

type opResult struct {
	pos     Position
	ok      bool
	dropped int
	err     error
}

// Run is Backing's owning goroutine. ch is the mailbox every exported
// request method below sends on; reduceEvery controls how often a
// memory-reduction round runs even absent an explicit trigger.
func (b *Backing) Run(ch <-chan op, reduceEvery time.Duration) {
	ticker := time.NewTicker(reduceEvery)
	defer ticker.Stop()
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return
			}
			if b.dispatch(o) {
				return
			}
		case <-ticker.C:
			b.Reduce()
		}
	}
}

func (b *Backing) dispatch(o op) bool {
	switch o.kind {
	case opPublish:
		err := b.Publish(o.pos)
		o.result <- opResult{err: err}
	case opFetch:
		pos, ok, err := b.Fetch()
		o.result <- opResult{pos: pos, ok: ok, err: err}
	case opAck:
		err := b.Ack(o.id)
		o.result <- opResult{err: err}
	case opRequeue:
		err := b.Requeue(o.id, o.xform)
		o.result <- opResult{err: err}
	case opDropWhile:
		n := b.DropWhile(o.pred)
		o.result <- opResult{dropped: n}
	case opUpdateTarget:
		b.targetRAMCount = o.target
	case opReduce:
		err := b.Reduce()
		o.result <- opResult{err: err}
	case opTerminate:
		err := b.idx.Flush()
		o.result <- opResult{err: err}
		return true
	}
	return false
}

// Client is a thin wrapper around a channel feeding Run, giving
// callers outside the owning goroutine a synchronous-looking API that
// actually marshals every call through the single mailbox.
type Client struct {
	ch chan op
	wg sync.WaitGroup
}

// NewClient starts b.Run on its own goroutine and returns a Client
// bound to it.
func NewClient(b *Backing, reduceEvery time.Duration) *Client {
	c := &Client{ch: make(chan op)}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		b.Run(c.ch, reduceEvery)
	}()
	return c
}

func (c *Client) call(o op) opResult {
	o.result = make(chan opResult, 1)
	c.ch <- o
	return <-o.result
}

func (c *Client) Publish(pos Position) error {
	return c.call(op{kind: opPublish, pos: pos}).err
}

func (c *Client) Fetch() (Position, bool, error) {
	r := c.call(op{kind: opFetch})
	return r.pos, r.ok, r.err
}

func (c *Client) Ack(id msgid.ID) error {
	return c.call(op{kind: opAck, id: id}).err
}

func (c *Client) Requeue(id msgid.ID, xform func(Props) Props) error {
	return c.call(op{kind: opRequeue, id: id, xform: xform}).err
}

func (c *Client) DropWhile(pred func(Position) bool) int {
	return c.call(op{kind: opDropWhile, pred: pred}).dropped
}

// UpdateTargetRAMCount is fire-and-forget: it is called frequently by
// the external memory monitor and does not need a response.
func (c *Client) UpdateTargetRAMCount(n int64) {
	c.ch <- op{kind: opUpdateTarget, target: n}
}

func (c *Client) Reduce() error {
	return c.call(op{kind: opReduce}).err
}

func (c *Client) Terminate() error {
	err := c.call(op{kind: opTerminate}).err
	c.wg.Wait()
	return err
}
