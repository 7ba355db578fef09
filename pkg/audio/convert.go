package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
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

// ResampleFloat resamples normalized mono samples from srcRate to dstRate
// using linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleFloat(src []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return src
	}
	if srcRate == dstRate || len(src) == 0 {
		return src
	}
	dstSamples := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < len(src) {
			s1 = src[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// FloatToStereoInt16 converts normalized mono samples to interleaved stereo
// int16, duplicating each sample into the left and right channels. Samples
// outside [-1, 1] are clamped.
func FloatToStereoInt16(src []float32) []int16 {
	out := make([]int16, len(src)*2)
	for i, s := range src {
		v := clampInt16(s)
		out[i*2] = v
		out[i*2+1] = v
	}
	return out
}

// EncodeInt16LE encodes normalized samples as little-endian int16 PCM into
// dst. It encodes min(len(src), len(dst)/2) samples and returns the number
// of bytes written. Samples outside [-1, 1] are clamped.
func EncodeInt16LE(dst []byte, src []float32) int {
	n := len(src)
	if m := len(dst) / 2; n > m {
		n = m
	}
	for i := 0; i < n; i++ {
		v := clampInt16(src[i])
		dst[i*2] = byte(v)
		dst[i*2+1] = byte(v >> 8)
	}
	return n * 2
}

func clampInt16(s float32) int16 {
	v := int32(s * 32767)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
