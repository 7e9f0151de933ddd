package flow

// Sample-window math for continuous flows.
//
// The channels file holds channelCount independent rings laid out back to
// back, so the stride between channel views is bufferLength × wordSize. A
// logical range [i-count+1 .. i] maps to at most two physical fragments per
// channel because of wrap-around; every channel uses the same
// (startOffset, len1, len2) triple.

// SampleWindow is a zero-copy view of a committed (reader) or open (writer)
// sample range across all channels.
type SampleWindow struct {
	base     []byte
	wordSize int
	stride   int // bytes between channel 0 and channel 1
	channels int

	startOffset int // samples
	len1        int // samples in the first fragment
	len2        int // samples in the second fragment (0 when no wrap)
}

// windowFor computes the fragment triple for the range [index-count+1, index].
func windowFor(d *Data, index uint64, count int) SampleWindow {
	cont := d.Info().Config.Continuous()
	bufLen := int(cont.BufferLength)
	start := int((index + uint64(bufLen) - uint64(count) + 1) % uint64(bufLen))
	end := int((index + 1) % uint64(bufLen))

	len1 := count
	if start >= end {
		len1 = bufLen - start
	}
	return SampleWindow{
		base:        d.ChannelData(),
		wordSize:    d.SampleWordSize(),
		stride:      bufLen * d.SampleWordSize(),
		channels:    int(cont.ChannelCount),
		startOffset: start,
		len1:        len1,
		len2:        count - len1,
	}
}

// Channels returns the number of channels covered by this window.
func (w *SampleWindow) Channels() int { return w.channels }

// Stride returns the byte distance between consecutive channel rings.
func (w *SampleWindow) Stride() int { return w.stride }

// Len returns the window length in samples.
func (w *SampleWindow) Len() int { return w.len1 + w.len2 }

// Fragments returns the one or two byte fragments of channel ch, in logical
// order. The second fragment is nil when the range does not wrap.
func (w *SampleWindow) Fragments(ch int) (first, second []byte) {
	chBase := w.base[ch*w.stride : (ch+1)*w.stride]
	first = chBase[w.startOffset*w.wordSize : (w.startOffset+w.len1)*w.wordSize]
	if w.len2 > 0 {
		second = chBase[:w.len2*w.wordSize]
	}
	return first, second
}
