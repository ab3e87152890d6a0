package stream

import (
	"math"
	"sync/atomic"
)

// logCurve maps a linear 0..1 slider onto perceived loudness.
const logCurve = 1.660964

// VolumeTransformer scales PCM samples in place. The zero value is silent;
// use NewVolumeTransformer for unity gain.
type VolumeTransformer struct {
	bits atomic.Uint64
}

func NewVolumeTransformer(volume float64) *VolumeTransformer {
	v := &VolumeTransformer{}
	v.SetVolume(volume)
	return v
}

// SetVolume sets the linear gain factor (1 = unchanged).
func (v *VolumeTransformer) SetVolume(volume float64) {
	v.bits.Store(math.Float64bits(volume))
}

func (v *VolumeTransformer) Volume() float64 {
	return math.Float64frombits(v.bits.Load())
}

// SetVolumeLogarithmic sets the gain from a perceptual value where 1 is unity.
func (v *VolumeTransformer) SetVolumeLogarithmic(volume float64) {
	v.SetVolume(math.Pow(volume, logCurve))
}

func (v *VolumeTransformer) VolumeLogarithmic() float64 {
	return math.Pow(v.Volume(), 1/logCurve)
}

// Apply scales samples, clamping to the int16 range.
func (v *VolumeTransformer) Apply(samples []int16) {
	vol := v.Volume()
	if vol == 1 {
		return
	}
	for i, s := range samples {
		scaled := math.Round(float64(s) * vol)
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		samples[i] = int16(scaled)
	}
}
