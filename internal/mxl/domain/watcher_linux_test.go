package domain

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

type recordingObserver struct {
	last atomic.Int64
}

func (o *recordingObserver) SetLastReadTime(t timing.Timepoint) { o.last.Store(int64(t)) }

func TestWatcherReflectsReaderAccess(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	d, _, err := m.CreateOrOpenDiscrete(discreteSpec(id))
	require.NoError(t, err)
	defer d.Close()

	w, err := NewWatcher(m.Domain())
	require.NoError(t, err)
	defer w.Close()

	obs := &recordingObserver{}
	require.NoError(t, w.AddFlow(obs, id))
	require.Equal(t, 1, w.Count(id))

	// Simulate a reader touching the access sentinel.
	require.NoError(t, shm.TouchPath(AccessFile(m.Domain(), id)))

	require.Eventually(t, func() bool { return obs.last.Load() != 0 },
		2*time.Second, 10*time.Millisecond, "watcher never observed the access touch")

	w.RemoveFlow(obs, id)
	require.Equal(t, 0, w.Count(id))
}

func TestWatcherUpdatesWriterLastReadTime(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	d, _, err := m.CreateOrOpenDiscrete(discreteSpec(id))
	require.NoError(t, err)
	writer, err := flow.NewDiscreteWriter(d)
	require.NoError(t, err)
	defer writer.Close()

	w, err := NewWatcher(m.Domain())
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.AddFlow(writer, id))

	rd, err := m.OpenReader(id)
	require.NoError(t, err)
	reader, err := flow.NewDiscreteReader(rd)
	require.NoError(t, err)
	defer reader.Close()

	_, _, err = writer.OpenGrain(0)
	require.NoError(t, err)
	require.NoError(t, writer.Commit(flow.CommitInfo{ValidSlices: 4}))
	_, _, err = reader.GetGrainNonBlocking(0, 4)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadUint64(&d.Info().Runtime.LastReadTime) != 0
	}, 2*time.Second, 10*time.Millisecond, "lastReadTime never propagated")
}

func TestWatcherRemoveUnknownIsNoop(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	w, err := NewWatcher(m.Domain())
	require.NoError(t, err)
	defer w.Close()

	w.RemoveFlow(&recordingObserver{}, uuid.New())
}
