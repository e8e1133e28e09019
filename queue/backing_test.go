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
	"testing"

	"github.com/coremq/msgstore/msgid"
)

// fakeIndex is a minimal in-memory QueueIndex stand-in, grounded the
// same way msgstore's tests stub out external collaborators: enough
// behavior to exercise Backing's paging logic, nothing durable.
type fakeIndex struct {
	mu   sync.Mutex
	rows []Position
}

func (f *fakeIndex) Init() error    { return nil }
func (f *fakeIndex) Recover() error { return nil }

func (f *fakeIndex) Publish(pos Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, pos)
	return nil
}

func (f *fakeIndex) Deliver(id msgid.ID) error { return nil }
func (f *fakeIndex) Ack(id msgid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.rows {
		if p.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeIndex) Sync(ids []msgid.ID, k func()) error { k(); return nil }

func (f *fakeIndex) Read(n int) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.rows) {
		n = len(f.rows)
	}
	out := make([]Position, n)
	copy(out, f.rows[:n])
	f.rows = f.rows[n:]
	return out, nil
}

func (f *fakeIndex) Bounds() (int64, int64, error) { return 0, 0, nil }
func (f *fakeIndex) Flush() error                  { return nil }
func (f *fakeIndex) Terminate() error              { return nil }
func (f *fakeIndex) DeleteAndTerminate() error     { return nil }
func (f *fakeIndex) NextSegmentBoundary() int      { return 16 }

type fakeFence struct{}

func (fakeFence) Sync(ids []msgid.ID, k func()) { k() }

func newTestBacking() *Backing {
	return New(Config{
		Name:  "t",
		Index: &fakeIndex{},
		Store: fakeFence{},
	})
}

func testID(n byte) msgid.ID {
	var id msgid.ID
	id[0] = n
	return id
}

func TestPublishFetchAck(t *testing.T) {
	b := newTestBacking()
	id := testID(1)
	if err := b.Publish(Position{ID: id, Msg: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
	if err := b.checkInvariants(); err != nil {
		t.Fatal(err)
	}

	pos, ok, err := b.Fetch()
	if err != nil || !ok {
		t.Fatalf("Fetch() = %v, %v, %v", pos, ok, err)
	}
	if pos.ID != id {
		t.Fatalf("fetched wrong id")
	}

	if err := b.Ack(id); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after ack = %d, want 0", b.Len())
	}
	if err := b.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

// TestPublishRoutesToQ4WhenDrained verifies SPEC_FULL.md §4.E's
// publish rule: with q3 empty and Δ=0, a publish goes straight to q4
// (the ready buffer) rather than q1, so Fetch can serve it without
// waiting on a Reduce round.
func TestPublishRoutesToQ4WhenDrained(t *testing.T) {
	b := newTestBacking()
	id := testID(1)
	if err := b.Publish(Position{ID: id, Msg: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if b.q4.Len() != 1 {
		t.Fatalf("q4 len = %d, want 1", b.q4.Len())
	}
	if b.q1.Len() != 0 {
		t.Fatalf("q1 len = %d, want 0", b.q1.Len())
	}
}

// TestPublishRoutesToQ1WhenBacklogged verifies the other half of the
// same rule: once q3 is non-empty (or Δ>0), new publishes go through
// q1 instead of jumping straight to q4.
func TestPublishRoutesToQ1WhenBacklogged(t *testing.T) {
	b := newTestBacking()
	b.q3.PushBack(tagGamma, Position{ID: testID(9)})

	id := testID(1)
	if err := b.Publish(Position{ID: id, Msg: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if b.q1.Len() != 1 {
		t.Fatalf("q1 len = %d, want 1", b.q1.Len())
	}
	if b.q4.Len() != 0 {
		t.Fatalf("q4 len = %d, want 0", b.q4.Len())
	}
}

// TestFetchDrainsQ1ToQ4WhenDeltaZero covers the fallback step of the
// Fetch algorithm: once the single gamma in q3 is popped and Δ is
// zero, everything waiting in q1 must move to q4 so the next Fetch
// still finds it.
func TestFetchDrainsQ1ToQ4WhenDeltaZero(t *testing.T) {
	b := newTestBacking()
	gammaID, alphaID := testID(1), testID(2)
	b.q3.PushBack(tagGamma, Position{ID: gammaID})
	b.q1.PushBack(tagAlpha, Position{ID: alphaID, Msg: []byte("a")})

	pos, ok, err := b.Fetch()
	if err != nil || !ok || pos.ID != gammaID {
		t.Fatalf("Fetch() = %v, %v, %v, want gammaID", pos, ok, err)
	}
	if b.q1.Len() != 0 {
		t.Fatalf("q1 len = %d, want 0 after drain", b.q1.Len())
	}
	if b.q4.Len() != 1 {
		t.Fatalf("q4 len = %d, want 1 after drain", b.q4.Len())
	}

	pos2, ok, err := b.Fetch()
	if err != nil || !ok || pos2.ID != alphaID {
		t.Fatalf("Fetch() after drain = %v, %v, %v, want alphaID", pos2, ok, err)
	}
}

// TestReduceAlphaToBetaRespectsQuota seeds q1/q3 directly (Publish
// alone cannot populate q1 on a queue with no existing backlog) and
// checks that Reduce demotes exactly quota alphas to beta without
// touching q3, since ramIndexCount starts well under the
// len²/(len-Δ.count) cap that would gate a beta->gamma promotion.
func TestReduceAlphaToBetaRespectsQuota(t *testing.T) {
	b := newTestBacking()
	b.q3.PushBack(tagGamma, Position{ID: testID(9)})
	b.q1.PushBack(tagAlpha, Position{ID: testID(1), Msg: []byte("a")})
	b.q1.PushBack(tagAlpha, Position{ID: testID(2), Msg: []byte("b")})
	b.ramMsgCount = 3
	b.targetRAMCount = 1

	if err := b.Reduce(); err != nil {
		t.Fatal(err)
	}
	if b.q1.Len() != 0 {
		t.Fatalf("q1 len = %d, want 0", b.q1.Len())
	}
	if b.q2.CountTag(tagBeta) != 2 {
		t.Fatalf("q2 beta count = %d, want 2", b.q2.CountTag(tagBeta))
	}
	if b.q3.Len() != 1 {
		t.Fatalf("q3 len = %d, want 1 (betas not yet over the index cap)", b.q3.Len())
	}
}

// TestReduceBetaToGammaGatedByIndexCap confirms the beta->gamma step
// only fires once ramIndexCount exceeds the len²/(len-Δ.count) cap,
// and then moves at most ioBatchSize betas per round.
func TestReduceBetaToGammaGatedByIndexCap(t *testing.T) {
	b := newTestBacking()
	b.ioBatchSize = 1
	b.q2.PushBack(tagBeta, Position{ID: testID(1)})
	b.q2.PushBack(tagBeta, Position{ID: testID(2)})
	b.q3.PushBack(tagGamma, Position{ID: testID(9)})
	// force ramIndexCount far over len²/(len-Δ.count) for this tiny queue
	b.ramIndexCount = 1000

	if err := b.reduceBetaToGamma(); err != nil {
		t.Fatal(err)
	}
	if b.q3.Len() != 2 {
		t.Fatalf("q3 len = %d, want 2 (one promoted, capped by ioBatchSize)", b.q3.Len())
	}
	if b.q2.CountTag(tagBeta) != 1 {
		t.Fatalf("q2 beta count = %d, want 1 left", b.q2.CountTag(tagBeta))
	}
}

func TestRequeuePutsMessageAtHeadOfQueue(t *testing.T) {
	b := newTestBacking()
	id1, id2 := testID(1), testID(2)
	b.Publish(Position{ID: id1, Msg: []byte("first")})
	b.Publish(Position{ID: id2, Msg: []byte("second")})

	p1, _, _ := b.Fetch()
	if p1.ID != id1 {
		t.Fatalf("expected id1 first")
	}
	if err := b.Requeue(id1, nil); err != nil {
		t.Fatal(err)
	}

	p2, ok, err := b.Fetch()
	if err != nil || !ok {
		t.Fatalf("Fetch after requeue: %v %v %v", p2, ok, err)
	}
	if p2.ID != id1 {
		t.Fatalf("Fetch() after requeue returned %v, want requeued id1 first", p2.ID)
	}
	if err := b.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

// TestRequeuePagedOutGoesToGamma covers the other half of Requeue's
// branch: once an entry's payload has left RAM (InRAM false), a
// requeue must land in q3 as gamma, not q4, since q4 only ever holds
// alpha (full payload) members.
func TestRequeuePagedOutGoesToGamma(t *testing.T) {
	b := newTestBacking()
	id := testID(1)
	b.Publish(Position{ID: id, Msg: []byte("x")})
	b.Fetch()
	b.pendingAck[id].InRAM = false
	b.pendingAck[id].Pos.Msg = nil

	if err := b.Requeue(id, nil); err != nil {
		t.Fatal(err)
	}
	if b.q3.CountTag(tagGamma) != 1 {
		t.Fatalf("q3 gamma count = %d, want 1", b.q3.CountTag(tagGamma))
	}
	if b.q4.Len() != 0 {
		t.Fatalf("q4 len = %d, want 0", b.q4.Len())
	}
}

func TestCommitFencesOnDurableStore(t *testing.T) {
	b := newTestBacking()
	k := b.Begin()
	id := testID(9)
	if err := b.PublishTxn(k, Position{ID: id, Msg: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	var fired bool
	if err := b.Commit(k, func() { fired = true }); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatalf("commit callback never fired")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() after commit = %d, want 1", b.Len())
	}
}

func TestRollbackDiscardsStagedWork(t *testing.T) {
	b := newTestBacking()
	k := b.Begin()
	b.PublishTxn(k, Position{ID: testID(3), Msg: []byte("x")})
	if err := b.Rollback(k); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after rollback = %d, want 0", b.Len())
	}
	if err := b.Commit(k, func() {}); err != errNoSuchTxn {
		t.Fatalf("Commit after rollback: err = %v, want errNoSuchTxn", err)
	}
}

func TestDropWhileOnlyTouchesFrontOfAlpha(t *testing.T) {
	b := newTestBacking()
	b.Publish(Position{ID: testID(1), Props: Props{ExpiresAtUnixNano: 1}})
	b.Publish(Position{ID: testID(2), Props: Props{ExpiresAtUnixNano: 0}})

	n := b.DropWhile(func(p Position) bool { return p.Props.ExpiresAtUnixNano != 0 })
	if n != 1 {
		t.Fatalf("DropWhile dropped %d, want 1", n)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}
