package media

// µ-law (G.711) encoding of 16-bit linear PCM.

const (
	pcmuBias = 0x84
	pcmuClip = 32635
)

func linearToPCMU(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > pcmuClip {
		s = pcmuClip
	}
	s += pcmuBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0f
	return ^byte(sign | exponent<<4 | mantissa)
}

// EncodePCMU downsamples mono float PCM at rate to 8 kHz by block averaging
// and µ-law encodes it. rate must be a multiple of 8000.
func EncodePCMU(samples []float32, rate int) []byte {
	step := rate / 8000
	if step < 1 {
		step = 1
	}
	out := make([]byte, 0, len(samples)/step)
	for i := 0; i+step <= len(samples); i += step {
		var sum float32
		for _, s := range samples[i : i+step] {
			sum += s
		}
		out = append(out, linearToPCMU(toInt16(sum/float32(step))))
	}
	return out
}

func toInt16(f float32) int16 {
	switch {
	case f >= 1:
		return 32767
	case f <= -1:
		return -32768
	}
	return int16(f * 32767)
}
