package integration

// End-to-end scenarios for the flow core: late-commit propagation, partial
// slices, garbage collection, and stale-mapping detection across writer
// and reader handles built through the full instance stack.

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl"
	"github.com/dmf-mxl/go-mxl/internal/mxl/domain"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

func newInstance(t *testing.T) *mxl.Instance {
	t.Helper()
	inst, err := mxl.NewInstance(t.TempDir(), mxl.InstanceOptions{DisableWatcher: true})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst
}

func hdVideoSpec(id uuid.UUID) domain.DiscreteSpec {
	def := fmt.Sprintf(`{"id":%q,"format":"urn:x-nmos:format:video","grain_rate":{"numerator":30000,"denominator":1001}}`, id)
	return domain.DiscreteSpec{
		FlowDef:          def,
		Format:           flow.FormatVideo,
		GrainCount:       16,
		GrainRate:        timing.Rational{Numerator: 30000, Denominator: 1001},
		GrainPayloadSize: 8_294_400, // 1080p v210-ish frame
		TotalSlices:      1080,
		SliceSizes:       [flow.MaxPlanes]uint32{8_294_400 / 1080},
	}
}

// Scenario: the writer runs three frames behind the reader's requested
// index and catches up at frame rate; a blocking reader sees the requested
// grain with the payload the writer wrote.
func TestDiscreteLateCommitPropagation(t *testing.T) {
	inst := newInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	defer inst.ReleaseWriter(w)

	r, err := inst.OpenDiscreteReader(id)
	require.NoError(t, err)
	defer r.Close()

	const n = uint64(7)
	framePeriod := time.Duration(timing.GrainPeriodNs(timing.Rational{Numerator: 30000, Denominator: 1001}))

	go func() {
		// Writer is 3 frames behind: produce N-3 .. N at frame rate.
		for idx := n - 3; idx <= n; idx++ {
			time.Sleep(framePeriod)
			_, payload, err := w.OpenGrain(idx)
			if err != nil {
				return
			}
			binary.LittleEndian.PutUint64(payload, idx)
			if err := w.Commit(flow.CommitInfo{ValidSlices: 1080}); err != nil {
				return
			}
		}
	}()

	gi, payload, err := r.GetGrain(n, 1080, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, n, gi.Index)
	require.EqualValues(t, 1080, gi.ValidSlices)
	require.Equal(t, n, binary.LittleEndian.Uint64(payload[:8]))
}

// Scenario: a half-committed grain satisfies minValidSlices=540 but a
// request for 541 times out too_early.
func TestDiscretePartialSlice(t *testing.T) {
	inst := newInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	defer inst.ReleaseWriter(w)

	r, err := inst.OpenDiscreteReader(id)
	require.NoError(t, err)
	defer r.Close()

	const k = uint64(2)
	_, _, err = w.OpenGrain(k)
	require.NoError(t, err)
	require.NoError(t, w.Commit(flow.CommitInfo{ValidSlices: 540}))

	gi, _, err := r.GetGrain(k, 540, time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	require.EqualValues(t, 540, gi.ValidSlices)

	_, _, err = r.GetGrain(k, 541, time.Now().Add(100*time.Millisecond))
	require.Equal(t, mxlerrors.StatusTooEarly, mxlerrors.StatusOf(err))
}

// Scenario: two writers hold the same flow; the directory survives the
// first close, is collected after the second, and a recreation invalidates
// readers of the old incarnation.
func TestGarbageCollectionAndRecreation(t *testing.T) {
	inst := newInstance(t)
	id := uuid.New()

	w1, created, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	require.True(t, created)

	w2, created, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	require.False(t, created)

	oldReader, err := inst.OpenDiscreteReader(id)
	require.NoError(t, err)
	defer oldReader.Close()
	oldInode := oldReader.FlowInfo().Runtime.Inode

	// First writer closes: the flow remains (w2 and oldReader hold locks).
	require.NoError(t, inst.ReleaseWriter(w1))
	removed, err := inst.CollectGarbage()
	require.NoError(t, err)
	require.Empty(t, removed)

	// Second writer and the reader close: the flow is collected.
	require.NoError(t, inst.ReleaseWriter(w2))
	require.NoError(t, oldReaderDetach(oldReader))
	removed, err = inst.CollectGarbage()
	require.NoError(t, err)
	require.Len(t, removed, 1)

	// Recreation gets a fresh inode, so the inode stamp of the old
	// incarnation no longer matches.
	w3, created, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	require.True(t, created)
	defer inst.ReleaseWriter(w3)
	require.NotEqual(t, oldInode, w3.FlowInfo().Runtime.Inode)
}

// oldReaderDetach closes the reader handle used for the GC scenario; split
// out so the defer above stays harmless on the double close.
func oldReaderDetach(r *flow.DiscreteReader) error { return r.Close() }

// Scenario: a reader holding a mapping across delete+recreate gets
// flow_invalid rather than data from the new incarnation.
func TestStaleReaderAcrossRecreation(t *testing.T) {
	inst := newInstance(t)
	id := uuid.New()

	w, _, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)

	stale, err := inst.OpenDiscreteReader(id)
	require.NoError(t, err)
	defer stale.Close()

	require.NoError(t, inst.ReleaseWriter(w))
	require.NoError(t, inst.DeleteFlow(id))

	w2, _, err := inst.CreateDiscreteWriter(hdVideoSpec(id))
	require.NoError(t, err)
	defer inst.ReleaseWriter(w2)

	// New incarnation publishes grain 0.
	_, _, err = w2.OpenGrain(0)
	require.NoError(t, err)
	require.NoError(t, w2.Commit(flow.CommitInfo{ValidSlices: 1080}))

	_, _, err = stale.GetGrain(0, 1080, time.Now().Add(50*time.Millisecond))
	require.Equal(t, mxlerrors.StatusFlowInvalid, mxlerrors.StatusOf(err))
}
