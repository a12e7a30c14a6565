package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	var l List[string]

	keyA := new(int)
	keyB := new(int)

	assert.True(t, l.Subscribe(keyA, "a"))
	assert.True(t, l.Subscribe(keyB, "b"))
	assert.Equal(t, 2, l.Len())

	l.Unsubscribe(keyA)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"b"}, l.Snapshot())
}

func TestSubscribeReplacesDuplicateKey(t *testing.T) {
	var l List[string]
	key := "same-key"

	assert.True(t, l.Subscribe(key, "first"))
	assert.True(t, l.Subscribe(key, "second"))

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []string{"second"}, l.Snapshot())
}

func TestSubscribeNilKeyIsNoop(t *testing.T) {
	var l List[string]
	assert.False(t, l.Subscribe(nil, "x"))
	assert.Equal(t, 0, l.Len())
}

func TestUnsubscribeUnknownKeyIsNoop(t *testing.T) {
	var l List[string]
	l.Subscribe("k", "v")
	l.Unsubscribe("other")
	assert.Equal(t, 1, l.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	var l List[string]
	l.Subscribe("k", "v")

	snap := l.Snapshot()
	l.Subscribe("k2", "v2")

	assert.Equal(t, []string{"v"}, snap)
	assert.Equal(t, 2, l.Len())
}

func TestReentrantUnsubscribeDuringFanoutIsSafe(t *testing.T) {
	var l List[func()]

	var calls []string
	l.Subscribe("a", func() { calls = append(calls, "a") })
	l.Subscribe("b", func() {
		calls = append(calls, "b")
		l.Unsubscribe("a") // mutate while a snapshot from before is in use elsewhere
	})

	for _, fn := range l.Snapshot() {
		fn()
	}

	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, 1, l.Len())
}
