package deque

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushBackPopFrontFIFO(t *testing.T) {
	d := New()
	d.PushBack(1)
	d.PushBack(2)
	d.PushBack(3)

	v, res := d.PopFront()
	require.Equal(t, Success, res)
	assert.Equal(t, 1, v)

	v, res = d.PopFront()
	require.Equal(t, Success, res)
	assert.Equal(t, 2, v)
}

func TestPushFrontPriority(t *testing.T) {
	d := New()
	d.PushBack(1)
	d.PushFront(0)

	v, res := d.PopFront()
	require.Equal(t, Success, res)
	assert.Equal(t, 0, v)
}

func TestPopBackLIFOFromBack(t *testing.T) {
	d := New()
	d.PushBack(1)
	d.PushBack(2)

	v, res := d.PopBack()
	require.Equal(t, Success, res)
	assert.Equal(t, 2, v)
}

func TestPopFrontNBEmpty(t *testing.T) {
	d := New()
	_, res := d.PopFrontNB()
	assert.Equal(t, Empty, res)
}

func TestPopFrontTimedTimesOut(t *testing.T) {
	d := New()
	start := time.Now()
	_, res := d.PopFrontTimed(20 * time.Millisecond)
	assert.Equal(t, TimedOut, res)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPopFrontTimedReturnsValueBeforeDeadline(t *testing.T) {
	d := New()
	d.PushBack("hi")
	v, res := d.PopFrontTimed(time.Second)
	require.Equal(t, Success, res)
	assert.Equal(t, "hi", v)
}

func TestUnblockWakesBlockedPopper(t *testing.T) {
	d := New()
	done := make(chan Result, 1)
	go func() {
		_, res := d.PopFront()
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	d.Unblock()

	select {
	case res := <-done:
		assert.Equal(t, Unblocked, res)
	case <-time.After(time.Second):
		t.Fatal("PopFront never returned after Unblock")
	}
}

func TestDestroyWakesBlockedPopperAndRejectsPush(t *testing.T) {
	d := New()
	done := make(chan Result, 1)
	go func() {
		_, res := d.PopFront()
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	d.Destroy(nil)

	select {
	case res := <-done:
		assert.Equal(t, Destroyed, res)
	case <-time.After(time.Second):
		t.Fatal("PopFront never returned after Destroy")
	}

	d.PushBack(1)
	assert.Equal(t, 0, d.Len())
}

func TestDestroyCallsFreeOnRemainingItems(t *testing.T) {
	d := New()
	d.PushBack(1)
	d.PushBack(2)

	var freed []any
	d.Destroy(func(v any) { freed = append(freed, v) })
	assert.ElementsMatch(t, []any{1, 2}, freed)
}

func TestLenReflectsPushesAndPops(t *testing.T) {
	d := New()
	assert.Equal(t, 0, d.Len())
	d.PushBack(1)
	d.PushBack(2)
	assert.Equal(t, 2, d.Len())
	d.PopFront()
	assert.Equal(t, 1, d.Len())
}

func TestResetClearsUnblockedState(t *testing.T) {
	d := New()
	d.Unblock()
	_, res := d.PopFrontNB()
	assert.Equal(t, Unblocked, res)

	d.Reset()
	d.PushBack(1)
	v, res := d.PopFrontNB()
	require.Equal(t, Success, res)
	assert.Equal(t, 1, v)
}
