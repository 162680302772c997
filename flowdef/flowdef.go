// Package flowdef parses and builds the NMOS-style flow definition
// documents that describe every flow in a domain. A definition is written
// once by the flow's creator and read by every attaching process, so the
// JSON field names are a fixed wire contract.
package flowdef

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/clock"
)

// Format URNs and well-known tags.
const (
	FormatVideo  = "urn:x-nmos:format:video"
	FormatAudio  = "urn:x-nmos:format:audio"
	GroupHintTag = "urn:x-nmos:tag:grouphint/v1.0"
)

// Media types with a known payload layout.
const (
	MediaTypeV210         = "video/v210"
	MediaTypeAudioFloat32 = "audio/float32"
)

// ErrInvalid is wrapped by every validation failure in Parse.
var ErrInvalid = errors.New("flowdef: invalid flow definition")

// InterlaceMode is the scan mode of a video flow.
type InterlaceMode string

// Interlace modes accepted in the interlace_mode field.
const (
	Progressive   InterlaceMode = "progressive"
	InterlacedTFF InterlaceMode = "interlaced_tff"
	InterlacedBFF InterlaceMode = "interlaced_bff"
)

// Rate is the JSON form of a rational rate. A missing denominator means 1.
type Rate struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator,omitempty"`
}

// Clock converts the rate to the domain clock representation.
func (r Rate) Clock() (clock.Rate, error) {
	den := r.Denominator
	if den == 0 {
		den = 1
	}
	if r.Numerator <= 0 || den < 0 {
		return clock.Rate{}, fmt.Errorf("%w: rate %d/%d", ErrInvalid, r.Numerator, r.Denominator)
	}
	return clock.Rate{Numerator: uint64(r.Numerator), Denominator: uint64(den)}, nil
}

// Component is one plane of a video format (Y, Cb, Cr).
type Component struct {
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	BitDepth int    `json:"bit_depth"`
}

// Video holds the fields specific to discrete video flows.
type Video struct {
	GrainRate     Rate
	FrameWidth    int
	FrameHeight   int
	InterlaceMode InterlaceMode
	Colorspace    string
	Components    []Component
}

// Audio holds the fields specific to continuous audio flows.
type Audio struct {
	SampleRate   Rate
	ChannelCount int
	BitDepth     int
}

// Definition is a parsed flow definition. Exactly one of Video and Audio
// is set, matching Format.
type Definition struct {
	ID          uuid.UUID
	Description string
	Tags        map[string][]string
	Format      string
	Label       string
	Parents     []string
	MediaType   string

	Video *Video
	Audio *Audio
}

// document is the flat wire form shared by both formats.
type document struct {
	ID          uuid.UUID           `json:"id"`
	Description string              `json:"description"`
	Tags        map[string][]string `json:"tags"`
	Format      string              `json:"format"`
	Label       string              `json:"label"`
	Parents     []string            `json:"parents"`
	MediaType   string              `json:"media_type"`

	GrainRate     *Rate         `json:"grain_rate,omitempty"`
	FrameWidth    int           `json:"frame_width,omitempty"`
	FrameHeight   int           `json:"frame_height,omitempty"`
	InterlaceMode InterlaceMode `json:"interlace_mode,omitempty"`
	Colorspace    string        `json:"colorspace,omitempty"`
	Components    []Component   `json:"components,omitempty"`

	SampleRate   *Rate `json:"sample_rate,omitempty"`
	ChannelCount int   `json:"channel_count,omitempty"`
	BitDepth     int   `json:"bit_depth,omitempty"`
}

// Parse decodes and validates a flow definition document.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// MarshalJSON encodes the definition in its flat wire form.
func (d Definition) MarshalJSON() ([]byte, error) {
	doc := document{
		ID:          d.ID,
		Description: d.Description,
		Tags:        d.Tags,
		Format:      d.Format,
		Label:       d.Label,
		Parents:     d.Parents,
		MediaType:   d.MediaType,
	}
	if doc.Tags == nil {
		doc.Tags = map[string][]string{}
	}
	if doc.Parents == nil {
		doc.Parents = []string{}
	}
	switch {
	case d.Video != nil:
		rate := d.Video.GrainRate
		doc.GrainRate = &rate
		doc.FrameWidth = d.Video.FrameWidth
		doc.FrameHeight = d.Video.FrameHeight
		doc.InterlaceMode = d.Video.InterlaceMode
		doc.Colorspace = d.Video.Colorspace
		doc.Components = d.Video.Components
	case d.Audio != nil:
		rate := d.Audio.SampleRate
		doc.SampleRate = &rate
		doc.ChannelCount = d.Audio.ChannelCount
		doc.BitDepth = d.Audio.BitDepth
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the flat wire form, populating Video or Audio
// according to the format URN.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	*d = Definition{
		ID:          doc.ID,
		Description: doc.Description,
		Tags:        doc.Tags,
		Format:      doc.Format,
		Label:       doc.Label,
		Parents:     doc.Parents,
		MediaType:   doc.MediaType,
	}
	switch doc.Format {
	case FormatVideo:
		v := &Video{
			FrameWidth:    doc.FrameWidth,
			FrameHeight:   doc.FrameHeight,
			InterlaceMode: doc.InterlaceMode,
			Colorspace:    doc.Colorspace,
			Components:    doc.Components,
		}
		if doc.GrainRate != nil {
			v.GrainRate = *doc.GrainRate
		}
		if v.GrainRate.Denominator == 0 {
			v.GrainRate.Denominator = 1
		}
		if v.InterlaceMode == "" {
			v.InterlaceMode = Progressive
		}
		d.Video = v
	case FormatAudio:
		a := &Audio{
			ChannelCount: doc.ChannelCount,
			BitDepth:     doc.BitDepth,
		}
		if doc.SampleRate != nil {
			a.SampleRate = *doc.SampleRate
		}
		if a.SampleRate.Denominator == 0 {
			a.SampleRate.Denominator = 1
		}
		d.Audio = a
	}
	return nil
}

// Validate checks the fields that the store depends on to size a flow.
func (d *Definition) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	switch d.Format {
	case FormatVideo:
		if d.Video == nil {
			return fmt.Errorf("%w: video format without video fields", ErrInvalid)
		}
		if _, err := d.Video.GrainRate.Clock(); err != nil {
			return err
		}
		if d.Video.FrameWidth <= 0 || d.Video.FrameHeight <= 0 {
			return fmt.Errorf("%w: frame size %dx%d", ErrInvalid, d.Video.FrameWidth, d.Video.FrameHeight)
		}
		switch d.Video.InterlaceMode {
		case Progressive, InterlacedTFF, InterlacedBFF:
		default:
			return fmt.Errorf("%w: interlace mode %q", ErrInvalid, d.Video.InterlaceMode)
		}
	case FormatAudio:
		if d.Audio == nil {
			return fmt.Errorf("%w: audio format without audio fields", ErrInvalid)
		}
		if _, err := d.Audio.SampleRate.Clock(); err != nil {
			return err
		}
		if d.Audio.ChannelCount <= 0 {
			return fmt.Errorf("%w: channel count %d", ErrInvalid, d.Audio.ChannelCount)
		}
		if d.Audio.BitDepth <= 0 || d.Audio.BitDepth%8 != 0 {
			return fmt.Errorf("%w: bit depth %d", ErrInvalid, d.Audio.BitDepth)
		}
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrInvalid, d.Format)
	}
	return nil
}

// IsDiscrete reports whether the flow carries one grain per index.
func (d *Definition) IsDiscrete() bool {
	return d.Format == FormatVideo
}

// Rate returns the grain rate of a video flow or the sample rate of an
// audio flow.
func (d *Definition) Rate() (clock.Rate, error) {
	switch {
	case d.Video != nil:
		return d.Video.GrainRate.Clock()
	case d.Audio != nil:
		return d.Audio.SampleRate.Clock()
	}
	return clock.Rate{}, fmt.Errorf("%w: no rate for format %q", ErrInvalid, d.Format)
}
