package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_ForceSendDropsOldest(t *testing.T) {
	rc := NewRingChannel[int](3)

	for i := 1; i <= 5; i++ {
		dropped := rc.ForceSend(i)
		assert.Equal(t, i > 3, dropped, "send %d", i)
	}
	rc.Close()

	var got []int
	for {
		v, ok := rc.Receive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestRingChannel_ReceiveAfterClose(t *testing.T) {
	rc := NewRingChannel[int](2)
	rc.ForceSend(1)
	rc.Close()

	v, ok := rc.Receive()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestNewRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
