package filters

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EqualizerBands is the number of bands accepted by the equalizer.
const EqualizerBands = 15

// bandFrequencies are the centre frequencies in Hz for each band.
var bandFrequencies = [EqualizerBands]int{25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000}

// Band adjusts one equalizer band. Gain is a multiplier offset in [-0.25, 1].
type Band struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

type Timescale struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
	Rate  float64 `json:"rate"`
}

type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

type ChannelMix struct {
	LeftToLeft   float64 `json:"leftToLeft"`
	LeftToRight  float64 `json:"leftToRight"`
	RightToLeft  float64 `json:"rightToLeft"`
	RightToRight float64 `json:"rightToRight"`
}

type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// Spec is the client-facing filter object. Nil fields are disabled.
type Spec struct {
	Volume     *float64    `json:"volume,omitempty"`
	Equalizer  []Band      `json:"equalizer,omitempty"`
	Karaoke    *Karaoke    `json:"karaoke,omitempty"`
	Timescale  *Timescale  `json:"timescale,omitempty"`
	Tremolo    *Tremolo    `json:"tremolo,omitempty"`
	Vibrato    *Vibrato    `json:"vibrato,omitempty"`
	Rotation   *Rotation   `json:"rotation,omitempty"`
	Distortion *Distortion `json:"distortion,omitempty"`
	ChannelMix *ChannelMix `json:"channelMix,omitempty"`
	LowPass    *LowPass    `json:"lowPass,omitempty"`
}

// Names lists the filter stages a Spec can enable, as they appear on the wire.
func Names() []string {
	return []string{"volume", "equalizer", "karaoke", "timescale", "tremolo", "vibrato", "rotation", "distortion", "channelMix", "lowPass"}
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("filters: invalid")

// Parse decodes and validates a filter object. An empty message yields an
// empty Spec.
func Parse(raw json.RawMessage) (Spec, error) {
	var spec Spec
	if len(raw) == 0 || string(raw) == "null" {
		return spec, nil
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Timescale limits. ffmpeg's atempo stops at 100.
const (
	minTimescale float64 = 0.01
	maxTimescale float64 = 10
	maxTempo     float64 = 100
)

// Validate checks value ranges.
func (s Spec) Validate() error {
	if s.Volume != nil && (*s.Volume < 0 || *s.Volume > 5) {
		return fmt.Errorf("%w: volume %.2f out of range [0, 5]", ErrInvalid, *s.Volume)
	}
	for _, b := range s.Equalizer {
		if b.Band < 0 || b.Band >= EqualizerBands {
			return fmt.Errorf("%w: equalizer band %d out of range", ErrInvalid, b.Band)
		}
		if b.Gain < -0.25 || b.Gain > 1 {
			return fmt.Errorf("%w: equalizer gain %.2f out of range [-0.25, 1]", ErrInvalid, b.Gain)
		}
	}
	if ts := s.Timescale; ts != nil {
		for _, v := range []float64{ts.Speed, ts.Pitch, ts.Rate} {
			if v < minTimescale || v > maxTimescale {
				return fmt.Errorf("%w: timescale values must be in [%g, %g]", ErrInvalid, minTimescale, maxTimescale)
			}
		}
		if tempo := ts.Speed / ts.Pitch; tempo > maxTempo {
			return fmt.Errorf("%w: timescale speed/pitch %.2f exceeds %g", ErrInvalid, tempo, maxTempo)
		}
	}
	if t := s.Tremolo; t != nil && (t.Frequency <= 0 || t.Depth <= 0 || t.Depth > 1) {
		return fmt.Errorf("%w: tremolo frequency must be > 0 and depth in (0, 1]", ErrInvalid)
	}
	if v := s.Vibrato; v != nil && (v.Frequency <= 0 || v.Frequency > 14 || v.Depth <= 0 || v.Depth > 1) {
		return fmt.Errorf("%w: vibrato frequency must be in (0, 14] and depth in (0, 1]", ErrInvalid)
	}
	if lp := s.LowPass; lp != nil && lp.Smoothing < 1 {
		return fmt.Errorf("%w: lowPass smoothing must be >= 1", ErrInvalid)
	}
	return nil
}

// Empty reports whether no filter is enabled.
func (s Spec) Empty() bool {
	return s.Volume == nil && len(s.Equalizer) == 0 && s.Karaoke == nil && s.Timescale == nil &&
		s.Tremolo == nil && s.Vibrato == nil && s.Rotation == nil && s.Distortion == nil &&
		s.ChannelMix == nil && s.LowPass == nil
}
