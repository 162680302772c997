package pipeline

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/mxl/flowdef"
)

// ycbcr is one 10-bit 4:2:2 colour.
type ycbcr struct{ y, cb, cr uint32 }

// 75% colour bars, BT.709, left to right.
var bars = [...]ycbcr{
	{721, 512, 512}, // white
	{674, 176, 543}, // yellow
	{581, 589, 176}, // cyan
	{534, 253, 207}, // green
	{251, 771, 817}, // magenta
	{204, 435, 848}, // red
	{111, 848, 481}, // blue
	{64, 512, 512},  // black
}

var (
	black  = ycbcr{64, 512, 512}
	marker = ycbcr{940, 512, 512}
)

// markerWidth is the width of the moving bar in pixels; it advances by
// markerStep pixels per frame.
const (
	markerWidth = 16
	markerStep  = 8
)

// ColorBars renders lines lines of v210 colour bars width pixels wide,
// with a white marker whose position depends on frame. Each line is
// padded to flowdef.V210LineLength.
func ColorBars(width, lines int, frame uint64) []byte {
	stride := flowdef.V210LineLength(width)
	out := make([]byte, stride*lines)
	if width <= 0 || lines <= 0 {
		return out
	}

	line := make([]byte, stride)
	markerAt := int(frame * markerStep % uint64(width))
	pixel := func(x int) ycbcr {
		switch {
		case x >= width:
			return black
		case x >= markerAt && x < markerAt+markerWidth:
			return marker
		}
		return bars[x*len(bars)/width]
	}
	// Six pixels pack into four little-endian words; chroma is taken from
	// the even pixel of each pair.
	for g := 0; g*6 < width; g++ {
		var p [6]ycbcr
		for i := range p {
			p[i] = pixel(g*6 + i)
		}
		words := [4]uint32{
			p[0].cb | p[0].y<<10 | p[0].cr<<20,
			p[1].y | p[2].cb<<10 | p[2].y<<20,
			p[2].cr | p[3].y<<10 | p[4].cb<<20,
			p[4].y | p[4].cr<<10 | p[5].y<<20,
		}
		for i, w := range words {
			binary.LittleEndian.PutUint32(line[g*16+i*4:], w)
		}
	}
	for l := 0; l < lines; l++ {
		copy(out[l*stride:], line)
	}
	return out
}

// Tone generates a float32 sine wave, identical on every channel.
type Tone struct {
	step     float64
	phase    float64
	channels int
}

// toneLevel is the peak amplitude, about -6 dBFS.
const toneLevel = 0.5

// NewTone returns a generator of freq Hz at sampleRate.
func NewTone(freq float64, sampleRate, channels int) *Tone {
	return &Tone{
		step:     2 * math.Pi * freq / float64(sampleRate),
		channels: channels,
	}
}

// Next returns the next n samples per channel, interleaved.
func (t *Tone) Next(n int) []byte {
	out := make([]byte, n*t.channels*4)
	for i := 0; i < n; i++ {
		v := math.Float32bits(float32(toneLevel * math.Sin(t.phase)))
		for ch := 0; ch < t.channels; ch++ {
			binary.LittleEndian.PutUint32(out[(i*t.channels+ch)*4:], v)
		}
		t.phase += t.step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return out
}
