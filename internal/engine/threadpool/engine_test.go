package threadpool

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfishman/ioq/internal/interfaces"
)

func TestEngineNotDeferred(t *testing.T) {
	e := New(2, false, nil)
	defer e.Close()

	require.False(t, e.Deferred())
}

func TestEngineSubmitAndWaitReadWrite(t *testing.T) {
	e := New(2, false, nil)
	defer e.Close()

	f, err := os.CreateTemp(t.TempDir(), "threadpool-rw")
	require.NoError(t, err)
	defer f.Close()

	writeBuf := []byte("hello threadpool")
	accepted, _, bad, err := e.Submit([]interfaces.SubmitItem{
		{Tag: 1, Op: interfaces.OpWrite, FD: int(f.Fd()), Buf: writeBuf, Offset: 0},
	})
	require.NoError(t, err)
	require.False(t, bad)
	require.Equal(t, 1, accepted)

	completions, err := e.Wait(1)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, uint32(1), completions[0].Tag)
	require.Equal(t, int32(len(writeBuf)), completions[0].Result)

	readBuf := make([]byte, len(writeBuf))
	accepted, _, bad, err = e.Submit([]interfaces.SubmitItem{
		{Tag: 2, Op: interfaces.OpRead, FD: int(f.Fd()), Buf: readBuf, Offset: 0},
	})
	require.NoError(t, err)
	require.False(t, bad)
	require.Equal(t, 1, accepted)

	completions, err = e.Wait(1)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, uint32(2), completions[0].Tag)
	require.Equal(t, int32(len(readBuf)), completions[0].Result)
	require.Equal(t, writeBuf, readBuf)
}

func TestEngineSubmitBadFDSurfacesAsNegativeResult(t *testing.T) {
	e := New(1, false, nil)
	defer e.Close()

	accepted, badTag, bad, err := e.Submit([]interfaces.SubmitItem{
		{Tag: 5, Op: interfaces.OpRead, FD: -1, Buf: make([]byte, 8), Offset: 0},
	})
	require.NoError(t, err)
	require.False(t, bad, "thread-pool engine never reports bad at Submit time")
	require.Equal(t, uint32(0), badTag)
	require.Equal(t, 1, accepted)

	completions, err := e.Wait(1)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, uint32(5), completions[0].Tag)
	require.Negative(t, completions[0].Result)
}

func TestEngineRoundRobinAcrossWorkers(t *testing.T) {
	e := New(4, false, nil)
	defer e.Close()

	f, err := os.CreateTemp(t.TempDir(), "threadpool-rr")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(64))

	items := make([]interfaces.SubmitItem, 8)
	for i := range items {
		items[i] = interfaces.SubmitItem{
			Tag:    uint32(i),
			Op:     interfaces.OpWrite,
			FD:     int(f.Fd()),
			Buf:    []byte{byte(i)},
			Offset: int64(i),
		}
	}

	accepted, _, bad, err := e.Submit(items)
	require.NoError(t, err)
	require.False(t, bad)
	require.Equal(t, len(items), accepted)

	completions, err := e.Wait(len(items))
	require.NoError(t, err)
	require.Len(t, completions, len(items))

	seen := make(map[uint32]bool)
	for _, c := range completions {
		require.Equal(t, int32(1), c.Result)
		seen[c.Tag] = true
	}
	require.Len(t, seen, len(items))
}

func TestEngineReadinessUnsupported(t *testing.T) {
	e := New(1, false, nil)
	defer e.Close()

	_, ok := e.Readiness()
	require.False(t, ok)
}

func TestEngineClosePinnedWorkers(t *testing.T) {
	e := New(2, true, nil)
	e.Close()
}

var _ interfaces.Engine = (*Engine)(nil)
