package wallet

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func TestSubscribeReceivesChanges(t *testing.T) {
	acct := NewAccount(common.Address{})
	assert.False(t, acct.Connected())

	sub := acct.Subscribe()
	defer sub.Close()

	assert.True(t, acct.Set(alice))
	assert.False(t, acct.Set(alice), "相同地址不应通知")

	select {
	case got := <-sub.C:
		assert.Equal(t, alice, got)
	case <-time.After(time.Second):
		t.Fatal("应收到地址变更")
	}
	assert.True(t, acct.Connected())
}

func TestSetDeliversLatestWithoutBlocking(t *testing.T) {
	acct := NewAccount(alice)
	sub := acct.Subscribe()
	defer sub.Close()

	acct.Set(bob)
	acct.Set(carol)

	require.Len(t, sub.C, 1)
	assert.Equal(t, carol, <-sub.C, "未消费的旧值应被最新值替换")
	assert.Equal(t, carol, acct.Current())
}

func TestCloseIsIdempotentAndDetaches(t *testing.T) {
	acct := NewAccount(alice)
	first := acct.Subscribe()
	second := acct.Subscribe()
	assert.Equal(t, 2, acct.Subscribers())

	first.Close()
	first.Close()
	assert.Equal(t, 1, acct.Subscribers())

	_, open := <-first.C
	assert.False(t, open, "关闭后通道应关闭")

	acct.Set(bob)
	assert.Equal(t, bob, <-second.C)

	func() {
		scoped := acct.Subscribe()
		defer scoped.Close()
		assert.Equal(t, 2, acct.Subscribers())
	}()
	assert.Equal(t, 1, acct.Subscribers())

	second.Close()
	assert.Zero(t, acct.Subscribers())
}
