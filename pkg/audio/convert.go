package audio

import (
	"github.com/oov/audio/resampler"
)

// resampleQuality is the oov resampler quality (0..10).
const resampleQuality = 10

// Downmix averages interleaved frames with the given channel count into mono.
// A trailing partial frame is discarded. Mono input is returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a mono float32 stream from one rate to another. It keeps
// filter state between calls so a stream can be fed in arbitrary pieces.
// Not safe for concurrent use.
type Resampler struct {
	inRate, outRate int
	r               *resampler.Resampler
	chunk           []float32
}

// NewResampler returns a Resampler from inRate to outRate. When the rates are
// equal, [Resampler.Process] copies its input.
func NewResampler(inRate, outRate int) *Resampler {
	rs := &Resampler{inRate: inRate, outRate: outRate}
	if inRate > 0 && outRate > 0 && inRate != outRate {
		rs.r = resampler.New(1, inRate, outRate, resampleQuality)
		rs.chunk = make([]float32, 2048)
	}
	return rs
}

// Process resamples in and returns a newly allocated output slice.
func (rs *Resampler) Process(in []float32) []float32 {
	if rs.r == nil {
		return append([]float32(nil), in...)
	}
	out := make([]float32, 0, len(in)*rs.outRate/rs.inRate+len(rs.chunk))
	for len(in) > 0 {
		read, written := rs.r.ProcessFloat32(0, in, rs.chunk)
		out = append(out, rs.chunk[:written]...)
		if read == 0 && written == 0 {
			break
		}
		in = in[read:]
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
