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

import "github.com/coremq/msgstore/msgid"

// txnKey identifies one open AMQP transaction (tx.select ...
// tx.commit/tx.rollback). Channels are single-threaded from the
// client's perspective so a monotonically increasing counter is
// sufficient; there is no need for it to survive a restart.
type txnKey int64

// txnState accumulates the publishes and acks performed under one
// open transaction until Commit or Rollback resolves it.
type txnState struct {
	publishes []Position
	acks      []msgid.ID
}

// Begin opens a new transaction and returns its key.
func (b *Backing) Begin() txnKey {
	var k txnKey
	for {
		k++
		if _, exists := b.txns[k]; !exists {
			break
		}
	}
	b.txns[k] = &txnState{}
	return k
}

// PublishTxn stages a publish under an open transaction; it takes
// effect only when Commit is called, matching AMQP 0-9-1's tx.commit
// semantics.
func (b *Backing) PublishTxn(k txnKey, pos Position) error {
	t, ok := b.txns[k]
	if !ok {
		return errNoSuchTxn
	}
	t.publishes = append(t.publishes, pos)
	return nil
}

// AckTxn stages an ack under an open transaction.
func (b *Backing) AckTxn(k txnKey, id msgid.ID) error {
	t, ok := b.txns[k]
	if !ok {
		return errNoSuchTxn
	}
	t.acks = append(t.acks, id)
	return nil
}

// Commit applies every staged publish and ack in order, then fences
// on the durable store so k is invoked only once every payload
// written during the transaction is safely on disk. An ordinary
// (non-transactional) Publish does not fence on the store.
func (b *Backing) Commit(key txnKey, k func()) error {
	t, ok := b.txns[key]
	if !ok {
		return errNoSuchTxn
	}
	delete(b.txns, key)

	ids := make([]msgid.ID, 0, len(t.publishes))
	for _, p := range t.publishes {
		if err := b.Publish(p); err != nil {
			return err
		}
		ids = append(ids, p.ID)
	}
	for _, id := range t.acks {
		if err := b.Ack(id); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		k()
		return nil
	}
	b.store.Sync(ids, k)
	return nil
}

// Rollback discards every publish and ack staged under key without
// applying any of them.
func (b *Backing) Rollback(key txnKey) error {
	if _, ok := b.txns[key]; !ok {
		return errNoSuchTxn
	}
	delete(b.txns, key)
	return nil
}

type txnError string

func (e txnError) Error() string { return "queue: " + string(e) }

const errNoSuchTxn = txnError("no such transaction")
