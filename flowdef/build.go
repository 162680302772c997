package flowdef

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// VideoParams describes the raw video a producer publishes.
type VideoParams struct {
	Width         int
	Height        int
	Rate          Rate
	InterlaceMode InterlaceMode
	Colorspace    string
}

// NewVideo builds the definition of a 10-bit 4:2:2 v210 video flow. Chroma
// components are half the luma width. The group hint ties the flow to the
// publishing process.
func NewVideo(id uuid.UUID, p VideoParams) *Definition {
	if p.Rate.Denominator == 0 {
		p.Rate.Denominator = 1
	}
	if p.InterlaceMode == "" {
		p.InterlaceMode = Progressive
	}
	if p.Colorspace == "" {
		p.Colorspace = "BT709"
	}
	fps := p.Rate.Numerator / p.Rate.Denominator
	label := fmt.Sprintf("MXL Test Flow, %dp%d", p.Height, fps)
	return &Definition{
		ID:          id,
		Description: label,
		Label:       label,
		Tags:        groupHint("Video"),
		Format:      FormatVideo,
		Parents:     []string{},
		MediaType:   MediaTypeV210,
		Video: &Video{
			GrainRate:     p.Rate,
			FrameWidth:    p.Width,
			FrameHeight:   p.Height,
			InterlaceMode: p.InterlaceMode,
			Colorspace:    p.Colorspace,
			Components: []Component{
				{Name: "Y", Width: p.Width, Height: p.Height, BitDepth: 10},
				{Name: "Cb", Width: p.Width / 2, Height: p.Height, BitDepth: 10},
				{Name: "Cr", Width: p.Width / 2, Height: p.Height, BitDepth: 10},
			},
		},
	}
}

// NewAudio builds the definition of a float32 audio flow.
func NewAudio(id uuid.UUID, sampleRate, channels, bitDepth int) *Definition {
	return &Definition{
		ID:          id,
		Description: "MXL Audio Flow",
		Label:       "MXL Audio Flow",
		Tags:        groupHint("Audio"),
		Format:      FormatAudio,
		Parents:     []string{},
		MediaType:   MediaTypeAudioFloat32,
		Audio: &Audio{
			SampleRate:   Rate{Numerator: int64(sampleRate), Denominator: 1},
			ChannelCount: channels,
			BitDepth:     bitDepth,
		},
	}
}

func groupHint(kind string) map[string][]string {
	return map[string][]string{
		GroupHintTag: {fmt.Sprintf("Media Function %d:%s", os.Getpid(), kind)},
	}
}

// V210LineLength returns the byte length of one v210 line: every 48
// pixels pack into 128 bytes, and lines are padded to that boundary.
func V210LineLength(width int) int {
	return (width + 47) / 48 * 128
}

// GrainLayout returns the payload size of one grain and the number of
// slices (lines) it is divided into. Interlaced flows carry one field
// per grain.
func (v *Video) GrainLayout(mediaType string) (size, slices int, err error) {
	if mediaType != MediaTypeV210 {
		return 0, 0, fmt.Errorf("%w: unsupported video media type %q", ErrInvalid, mediaType)
	}
	lines := v.FrameHeight
	if v.InterlaceMode != Progressive {
		lines /= 2
	}
	return V210LineLength(v.FrameWidth) * lines, lines, nil
}

// WordSize returns the byte size of one sample of one channel.
func (a *Audio) WordSize() int {
	return a.BitDepth / 8
}
