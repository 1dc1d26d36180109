package pager

import (
	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// freqHistogramMax is the ceiling value recorded: the frequency counter is
// 8 bits, so values never exceed 255.
const freqHistogramMax = 255

// freqHistogram wraps an HDR histogram sampling this pass's stored-value
// frequency counters, and derives the eviction threshold from it.
type freqHistogram struct {
	h       *hdrhistogram.Histogram
	samples int64
}

func newFreqHistogram() *freqHistogram {
	return &freqHistogram{h: hdrhistogram.New(1, freqHistogramMax, 2)}
}

func (f *freqHistogram) Record(freq uint8) {
	_ = f.h.RecordValue(int64(freq))
	f.samples++
}

// learning reports whether the histogram has seen too few samples this pass
// for its percentile estimate to be trusted yet.
func (f *freqHistogram) learning() bool {
	return f.samples < minLearningSamples
}

const minLearningSamples = 100

// threshold returns freqCounterThreshold: the frequency value below the
// given percentile of this pass's samples, i.e. items at or below it are
// candidates for eviction.
func (f *freqHistogram) threshold(percent float64) uint8 {
	if f.samples == 0 {
		return 0
	}
	q := percent * 100
	if q < 0 {
		q = 0
	}
	if q > 100 {
		q = 100
	}
	v := f.h.ValueAtQuantile(q)
	if v < 0 {
		v = 0
	}
	if v > freqHistogramMax {
		v = freqHistogramMax
	}
	return uint8(v)
}

func (f *freqHistogram) reset() {
	f.h.Reset()
	f.samples = 0
}
