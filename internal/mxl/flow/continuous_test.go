package flow

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	mxlerrors "github.com/dmf-mxl/go-mxl/internal/errors"
	"github.com/dmf-mxl/go-mxl/internal/mxl/shm"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

func newTestContinuous(t *testing.T, channels, bufferLength, wordSize, commitBatch, syncBatch uint32) (string, *Data) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "audio.mxl-flow")
	if err := os.MkdirAll(dir, 0o775); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, AccessFileName), nil, 0o664); err != nil {
		t.Fatal(err)
	}
	d, err := CreateContinuous(dir, ContinuousOptions{
		ID:              uuid.New(),
		SampleRate:      timing.Rational{Numerator: 48000, Denominator: 1},
		ChannelCount:    channels,
		BufferLength:    bufferLength,
		SampleWordSize:  wordSize,
		CommitBatchHint: commitBatch,
		SyncBatchHint:   syncBatch,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return dir, d
}

func TestContinuousCreateValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateContinuous(dir, ContinuousOptions{
		ID:              uuid.New(),
		SampleRate:      timing.Rational{Numerator: 48000, Denominator: 1},
		ChannelCount:    2,
		BufferLength:    48000,
		SampleWordSize:  4,
		CommitBatchHint: 1920,
		SyncBatchHint:   1921, // not a multiple
	})
	if mxlerrors.StatusOf(err) != mxlerrors.StatusInvalidArg {
		t.Fatalf("non-multiple sync batch hint should be invalid_arg, got %v", err)
	}
}

func TestContinuousWrapFragments(t *testing.T) {
	_, d := newTestContinuous(t, 2, 48000, 4, 1920, 1920)
	w, err := NewContinuousWriter(d)
	if err != nil {
		t.Fatal(err)
	}

	// A 1000-sample window ending at 48499 wraps: 500 samples at the tail
	// of the ring starting at sample offset 47500, then 500 from offset 0.
	win, err := w.OpenSamples(48499, 1000)
	if err != nil {
		t.Fatal(err)
	}
	first, second := win.Fragments(0)
	if len(first) != 500*4 || len(second) != 500*4 {
		t.Fatalf("fragment lengths = (%d, %d) bytes, want (2000, 2000)", len(first), len(second))
	}
	base := d.ChannelData()
	if &first[0] != &base[47500*4] {
		t.Error("first fragment should start at byte offset 47500*4 of channel 0")
	}
	if &second[0] != &base[0] {
		t.Error("second fragment should start at byte offset 0")
	}

	// Channel 1 fragments sit exactly one stride further.
	f1, s1 := win.Fragments(1)
	if &f1[0] != &base[48000*4+47500*4] || &s1[0] != &base[48000*4] {
		t.Error("channel 1 fragments are not stride-offset copies of channel 0")
	}
	if win.Stride() != 48000*4 {
		t.Errorf("stride = %d, want %d", win.Stride(), 48000*4)
	}
}

func TestContinuousNoWrapSingleFragment(t *testing.T) {
	_, d := newTestContinuous(t, 1, 48000, 4, 1920, 1920)
	w, _ := NewContinuousWriter(d)

	win, err := w.OpenSamples(1919, 1920)
	if err != nil {
		t.Fatal(err)
	}
	first, second := win.Fragments(0)
	if len(first) != 1920*4 || second != nil {
		t.Fatalf("expected one fragment of 7680 bytes, got (%d, %d)", len(first), len(second))
	}
	base := d.ChannelData()
	if &first[0] != &base[0] {
		t.Error("window [0,1919] should start at offset 0")
	}
}

func TestContinuousWriteReadRoundTrip(t *testing.T) {
	dir, d := newTestContinuous(t, 2, 4096, 4, 64, 64)
	w, _ := NewContinuousWriter(d)

	rd, err := Open(dir, d.ID(), shm.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewContinuousReader(rd)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Write samples [0..63] on both channels, values = index (ch0) and
	// index+1000 (ch1).
	win, err := w.OpenSamples(63, 64)
	if err != nil {
		t.Fatal(err)
	}
	for ch := 0; ch < 2; ch++ {
		first, _ := win.Fragments(ch)
		for i := 0; i < 64; i++ {
			binary.LittleEndian.PutUint32(first[i*4:], uint32(i+ch*1000))
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetSamples(63, 64, time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	for ch := 0; ch < 2; ch++ {
		first, second := got.Fragments(ch)
		if second != nil {
			t.Fatal("unexpected wrap")
		}
		for i := 0; i < 64; i++ {
			if v := binary.LittleEndian.Uint32(first[i*4:]); v != uint32(i+ch*1000) {
				t.Fatalf("ch %d sample %d = %d", ch, i, v)
			}
		}
	}
}

func TestContinuousAvailabilityWindow(t *testing.T) {
	dir, d := newTestContinuous(t, 1, 1024, 4, 64, 64)
	w, _ := NewContinuousWriter(d)

	rd, err := Open(dir, d.ID(), shm.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := NewContinuousReader(rd)
	defer r.Close()

	// Advance head to 2047.
	for end := uint64(63); end <= 2047; end += 64 {
		if _, err := w.OpenSamples(end, 64); err != nil {
			t.Fatal(err)
		}
		if err := w.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	// Readable window is [head - bufferLength/2, head] = [1535, 2047].
	if _, err := r.GetSamplesNonBlocking(2047, 64); err != nil {
		t.Fatalf("head window read failed: %v", err)
	}
	if _, err := r.GetSamplesNonBlocking(2048, 1); !mxlerrors.IsTooEarly(err) {
		t.Fatalf("future sample should be too_early, got %v", err)
	}
	if _, err := r.GetSamplesNonBlocking(1590, 64); !mxlerrors.IsTooLate(err) {
		t.Fatalf("window reaching below the exclusion zone should be too_late, got %v", err)
	}
	if _, err := r.GetSamplesNonBlocking(2047, 513); mxlerrors.StatusOf(err) != mxlerrors.StatusInvalidArg {
		t.Fatalf("count beyond half buffer should be invalid_arg, got %v", err)
	}
}

func TestContinuousBatchSignalling(t *testing.T) {
	_, d := newTestContinuous(t, 1, 48000, 4, 480, 1920)
	w, _ := NewContinuousWriter(d)
	fi := d.Info()

	wakes := func() uint32 { return fi.LoadSyncCounter() }

	// Commits at 479, 959 stay inside the first sync batch.
	for _, end := range []uint64{479, 959} {
		w.OpenSamples(end, 480)
		if err := w.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if wakes() != 0 {
		t.Fatalf("no boundary crossed yet, syncCounter = %d", wakes())
	}

	// 1439 does not pass the early threshold (1439 % 1920 = 1439 <=
	// 1920-480), still no signal; 1919 crosses via the early threshold.
	w.OpenSamples(1439, 480)
	w.Commit()
	if wakes() != 0 {
		t.Fatalf("1439 should not signal, syncCounter = %d", wakes())
	}
	w.OpenSamples(1919, 480)
	w.Commit()
	if wakes() != 1 {
		t.Fatalf("1919 should signal once, syncCounter = %d", wakes())
	}

	// Next full batch crossing signals again.
	w.OpenSamples(2399, 480)
	w.Commit()
	if wakes() != 1 {
		t.Fatalf("2399 is within the already-signaled batch, syncCounter = %d", wakes())
	}
	w.OpenSamples(3839, 480)
	w.Commit()
	if wakes() != 2 {
		t.Fatalf("3839 should cross the early threshold of batch 2, syncCounter = %d", wakes())
	}
}

func TestContinuousCommitWithoutOpen(t *testing.T) {
	_, d := newTestContinuous(t, 1, 1024, 2, 1, 1)
	w, _ := NewContinuousWriter(d)
	if err := w.Commit(); mxlerrors.StatusOf(err) != mxlerrors.StatusInvalidState {
		t.Fatalf("commit without open should be invalid_state, got %v", err)
	}
	if _, err := w.OpenSamples(10, 513); mxlerrors.StatusOf(err) != mxlerrors.StatusInvalidArg {
		t.Fatalf("count above half buffer should be invalid_arg, got %v", err)
	}
	w.OpenSamples(10, 8)
	if err := w.Cancel(); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); mxlerrors.StatusOf(err) != mxlerrors.StatusInvalidState {
		t.Fatal("commit after cancel should be invalid_state")
	}
}
