package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqLessOrdinary(t *testing.T) {
	assert.True(t, SeqLess(1, 2))
	assert.False(t, SeqLess(2, 1))
	assert.False(t, SeqLess(5, 5))
}

func TestSeqLessWraparound(t *testing.T) {
	var max SeqNum = 0xFFFFFFFF
	assert.True(t, SeqLess(max, 0))
	assert.False(t, SeqLess(0, max))
}

func TestSeqLessEq(t *testing.T) {
	assert.True(t, SeqLessEq(5, 5))
	assert.True(t, SeqLessEq(4, 5))
	assert.False(t, SeqLessEq(6, 5))
}

func TestSeqDiff(t *testing.T) {
	assert.EqualValues(t, 10, SeqDiff(20, 10))
	var max SeqNum = 0xFFFFFFFF
	assert.EqualValues(t, 1, SeqDiff(0, max))
}

func TestSeqAdd(t *testing.T) {
	var max SeqNum = 0xFFFFFFFF
	assert.EqualValues(t, 0, SeqAdd(max, 1))
	assert.EqualValues(t, 5, SeqAdd(2, 3))
}
