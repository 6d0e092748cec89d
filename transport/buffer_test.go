package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestRecvBufferMonotonicity_Property verifies that the buffer always
// equals the concatenation of everything appended, in order.
func TestRecvBufferMonotonicity_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := newRecvBuffer(DataRecvCap)
		var want []byte

		deliveries := rapid.IntRange(0, 20).Draw(t, "deliveries")
		for i := 0; i < deliveries; i++ {
			chunk := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "chunk")
			if err := b.append(chunk); err != nil {
				t.Fatalf("append: %v", err)
			}
			want = append(want, chunk...)
			if !bytes.Equal(b.bytes(), want) {
				t.Fatalf("buffer diverged after %d deliveries", i+1)
			}
		}
	})
}

func TestRecvBufferCap(t *testing.T) {
	b := newRecvBuffer(8192)

	require.NoError(t, b.append(make([]byte, 8192)))
	err := b.append([]byte{0})
	assert.ErrorIs(t, err, ErrRecvBufferFull)

	// The buffer content is unchanged by the rejected append.
	assert.Len(t, b.bytes(), 8192)
}

func TestRecvBufferGrowsByDoubling(t *testing.T) {
	b := newRecvBuffer(DataRecvCap)

	require.NoError(t, b.append(make([]byte, 1)))
	assert.Equal(t, recvBufferInitSize, cap(b.bytes()))

	require.NoError(t, b.append(make([]byte, recvBufferInitSize)))
	assert.Equal(t, 2*recvBufferInitSize, cap(b.bytes()))
}

func TestRecvBufferFree(t *testing.T) {
	b := newRecvBuffer(DataRecvCap)
	require.NoError(t, b.append([]byte("abc")))
	b.free()
	assert.Empty(t, b.bytes())
}
