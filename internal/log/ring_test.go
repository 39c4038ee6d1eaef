package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingSnapshotOrder(t *testing.T) {
	r := NewRing(3)

	for _, line := range []string{"a", "b", "c", "d"} {
		_, err := r.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"b", "c", "d"}, r.Snapshot())
}

func TestRingSnapshotPartial(t *testing.T) {
	r := NewRing(8)
	_, _ = r.Write([]byte("one\n"))
	_, _ = r.Write([]byte("two\n"))

	assert.Equal(t, []string{"one", "two"}, r.Snapshot())
}

func TestRingSubscribe(t *testing.T) {
	r := NewRing(4)
	ch, cancel := r.Subscribe()
	defer cancel()

	_, _ = r.Write([]byte("hello\n"))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", got)
	default:
		t.Fatal("expected a line on the subscription channel")
	}
}

func TestRingSlowSubscriberDoesNotBlock(t *testing.T) {
	r := NewRing(4)
	_, cancel := r.Subscribe() // never drained
	defer cancel()

	// Overflow the subscriber buffer; Write must not block.
	for i := 0; i < 200; i++ {
		_, _ = r.Write([]byte("x\n"))
	}
}
