// Package filters turns client filter objects into an ordered chain of typed
// stages. The transcoder's textual syntax is produced only by Chain.Args.
package filters

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind names a stage type.
type Kind string

const (
	KindSeek       Kind = "seek"
	KindVolume     Kind = "volume"
	KindEqualizer  Kind = "equalizer"
	KindKaraoke    Kind = "karaoke"
	KindTimescale  Kind = "timescale"
	KindTremolo    Kind = "tremolo"
	KindVibrato    Kind = "vibrato"
	KindRotation   Kind = "rotation"
	KindDistortion Kind = "distortion"
	KindChannelMix Kind = "channelMix"
	KindLowPass    Kind = "lowPass"
)

// Stage is one step of the chain.
type Stage interface {
	Kind() Kind
}

type SeekStage struct{ Offset time.Duration }
type VolumeStage struct{ Gain float64 }
type EqualizerStage struct{ Bands []Band }
type KaraokeStage struct{ Karaoke }
type TimescaleStage struct{ Timescale }
type TremoloStage struct{ Tremolo }
type VibratoStage struct{ Vibrato }
type RotationStage struct{ Rotation }
type DistortionStage struct{ Distortion }
type ChannelMixStage struct{ ChannelMix }
type LowPassStage struct{ LowPass }

func (SeekStage) Kind() Kind       { return KindSeek }
func (VolumeStage) Kind() Kind     { return KindVolume }
func (EqualizerStage) Kind() Kind  { return KindEqualizer }
func (KaraokeStage) Kind() Kind    { return KindKaraoke }
func (TimescaleStage) Kind() Kind  { return KindTimescale }
func (TremoloStage) Kind() Kind    { return KindTremolo }
func (VibratoStage) Kind() Kind    { return KindVibrato }
func (RotationStage) Kind() Kind   { return KindRotation }
func (DistortionStage) Kind() Kind { return KindDistortion }
func (ChannelMixStage) Kind() Kind { return KindChannelMix }
func (LowPassStage) Kind() Kind    { return KindLowPass }

// Chain is an ordered list of stages. A seek stage, when present, is always
// first.
type Chain struct {
	stages []Stage
}

// Compose builds the chain for a new track starting at trackStart. volume
// is the player volume in percent. Later seeks go through WithSeek.
func Compose(spec Spec, volume int, trackStart time.Duration) Chain {
	return Chain{}.WithSeek(trackStart).Rebuild(spec, volume)
}

// Stages returns a copy of the stages.
func (c Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

// Seek returns the seek offset if the chain starts with one.
func (c Chain) Seek() (time.Duration, bool) {
	if len(c.stages) > 0 {
		if s, ok := c.stages[0].(SeekStage); ok {
			return s.Offset, true
		}
	}
	return 0, false
}

// WithSeek replaces any seek stage with offset and moves it to the front.
func (c Chain) WithSeek(offset time.Duration) Chain {
	rest := c.withoutSeek()
	if offset <= 0 {
		return Chain{stages: rest}
	}
	return Chain{stages: append([]Stage{SeekStage{Offset: offset}}, rest...)}
}

// Rebuild replaces every non-seek stage from spec while keeping the current
// seek stage in front.
func (c Chain) Rebuild(spec Spec, volume int) Chain {
	var out []Stage
	if off, ok := c.Seek(); ok {
		out = append(out, SeekStage{Offset: off})
	}

	gain := float64(volume) / 100
	if spec.Volume != nil {
		gain *= *spec.Volume
	}
	if gain != 1 {
		out = append(out, VolumeStage{Gain: gain})
	}
	if len(spec.Equalizer) > 0 {
		out = append(out, EqualizerStage{Bands: append([]Band(nil), spec.Equalizer...)})
	}
	if spec.Karaoke != nil {
		out = append(out, KaraokeStage{*spec.Karaoke})
	}
	if spec.Timescale != nil {
		out = append(out, TimescaleStage{*spec.Timescale})
	}
	if spec.Tremolo != nil {
		out = append(out, TremoloStage{*spec.Tremolo})
	}
	if spec.Vibrato != nil {
		out = append(out, VibratoStage{*spec.Vibrato})
	}
	if spec.Rotation != nil {
		out = append(out, RotationStage{*spec.Rotation})
	}
	if spec.Distortion != nil {
		out = append(out, DistortionStage{*spec.Distortion})
	}
	if spec.ChannelMix != nil {
		out = append(out, ChannelMixStage{*spec.ChannelMix})
	}
	if spec.LowPass != nil {
		out = append(out, LowPassStage{*spec.LowPass})
	}
	return Chain{stages: out}
}

// NeedsTranscode reports whether any stage requires re-encoding.
func (c Chain) NeedsTranscode() bool {
	for _, s := range c.stages {
		if s.Kind() != KindSeek {
			return true
		}
	}
	return false
}

// Rate is the playback speed factor applied by the chain.
func (c Chain) Rate() float64 {
	for _, s := range c.stages {
		if ts, ok := s.(TimescaleStage); ok {
			return ts.Speed * ts.Rate
		}
	}
	return 1
}

func (c Chain) withoutSeek() []Stage {
	out := make([]Stage, 0, len(c.stages))
	for _, s := range c.stages {
		if s.Kind() != KindSeek {
			out = append(out, s)
		}
	}
	return out
}

// Args is the ffmpeg rendering of a chain.
type Args struct {
	Input []string // placed before -i
	Graph string   // -af value, empty when no filter is active
}

// SampleRate is the output sample rate assumed by the rendered graph.
const SampleRate = 48000

// Args renders the chain into ffmpeg arguments.
func (c Chain) Args() Args {
	var (
		args  Args
		parts []string
	)
	for _, s := range c.stages {
		switch st := s.(type) {
		case SeekStage:
			args.Input = append(args.Input, "-ss", formatSeconds(st.Offset))
		case VolumeStage:
			parts = append(parts, "volume="+fnum(st.Gain))
		case EqualizerStage:
			for _, b := range st.Bands {
				db := 20 * math.Log10(1+b.Gain)
				parts = append(parts, fmt.Sprintf("equalizer=f=%d:t=o:w=1:g=%s", bandFrequencies[b.Band], fnum(db)))
			}
		case KaraokeStage:
			parts = append(parts, fmt.Sprintf("pan=stereo|c0=c0-%s*c1|c1=c1-%s*c0", fnum(st.Level), fnum(st.Level)))
		case TimescaleStage:
			parts = append(parts, timescaleGraph(st.Timescale)...)
		case TremoloStage:
			parts = append(parts, fmt.Sprintf("tremolo=f=%s:d=%s", fnum(st.Frequency), fnum(st.Depth)))
		case VibratoStage:
			parts = append(parts, fmt.Sprintf("vibrato=f=%s:d=%s", fnum(st.Frequency), fnum(st.Depth)))
		case RotationStage:
			parts = append(parts, "apulsator=hz="+fnum(st.RotationHz))
		case DistortionStage:
			parts = append(parts, distortionGraph(st.Distortion))
		case ChannelMixStage:
			parts = append(parts, fmt.Sprintf("pan=stereo|c0=%s*c0+%s*c1|c1=%s*c0+%s*c1",
				fnum(st.LeftToLeft), fnum(st.RightToLeft), fnum(st.LeftToRight), fnum(st.RightToRight)))
		case LowPassStage:
			parts = append(parts, "lowpass=f="+fnum(float64(SampleRate)/2/st.Smoothing))
		}
	}
	args.Graph = strings.Join(parts, ",")
	return args
}

func timescaleGraph(ts Timescale) []string {
	var out []string
	resample := ts.Pitch * ts.Rate
	if resample != 1 {
		out = append(out,
			"asetrate="+fnum(SampleRate*resample),
			"aresample="+strconv.Itoa(SampleRate))
	}
	tempo := ts.Speed / ts.Pitch
	// atempo accepts [0.5, 100]; chain halves for slower tempos.
	for tempo < 0.5 {
		out = append(out, "atempo=0.5")
		tempo /= 0.5
	}
	if tempo != 1 {
		out = append(out, "atempo="+fnum(tempo))
	}
	return out
}

func distortionGraph(d Distortion) string {
	expr := func(ch int) string {
		v := fmt.Sprintf("val(%d)", ch)
		return fmt.Sprintf("(%s+sin(%s*%s))+(%s+cos(%s*%s))+(%s+tan(%s*%s))",
			fnum(d.SinOffset), v, fnum(d.SinScale),
			fnum(d.CosOffset), v, fnum(d.CosScale),
			fnum(d.TanOffset), v, fnum(d.TanScale))
	}
	scale := d.Scale
	if scale == 0 {
		scale = 1
	}
	return fmt.Sprintf("aeval=exprs='%s*(%s)+%s|%s*(%s)+%s'",
		fnum(scale), expr(0), fnum(d.Offset), fnum(scale), expr(1), fnum(d.Offset))
}

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
