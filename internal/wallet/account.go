// Package wallet holds the observable current account address.
package wallet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Account is the current address. The zero address means disconnected.
type Account struct {
	mu      sync.Mutex
	current common.Address
	subs    map[*Subscription]struct{}
}

// NewAccount returns an Account starting at addr.
func NewAccount(addr common.Address) *Account {
	return &Account{current: addr, subs: make(map[*Subscription]struct{})}
}

// Current returns the current address.
func (a *Account) Current() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Connected reports whether an address is set.
func (a *Account) Connected() bool {
	return a.Current() != (common.Address{})
}

// Set changes the current address and notifies subscribers. It reports
// whether the value changed. Delivery never blocks: a subscriber that has
// not drained its previous value receives only the latest one.
func (a *Account) Set(addr common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr == a.current {
		return false
	}
	a.current = addr
	for sub := range a.subs {
		sub.deliver(addr)
	}
	return true
}

// Subscribe registers a listener. The caller must Close it; the usual form is
//
//	sub := account.Subscribe()
//	defer sub.Close()
func (a *Account) Subscribe() *Subscription {
	ch := make(chan common.Address, 1)
	sub := &Subscription{C: ch, ch: ch, account: a}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()
	return sub
}

// Subscribers returns the number of open subscriptions.
func (a *Account) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

func (a *Account) unsubscribe(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, sub)
	close(sub.ch)
}

// Subscription receives address changes on C until closed.
type Subscription struct {
	C <-chan common.Address

	ch      chan common.Address
	account *Account
	once    sync.Once
}

// deliver replaces any undrained value with addr. Called with the account lock held.
func (s *Subscription) deliver(addr common.Address) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- addr
}

// Close detaches the subscription and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.account.unsubscribe(s)
	})
}
