package sample

// Downsample downsamples a slice of samples to a maximum number of points.
// Uses simple decimation to reduce the number of points for display.
// Destination-based: reuses dst if it has sufficient capacity, otherwise allocates new.
// If len(samples) <= maxPoints, copies all samples to dst.
func Downsample(dst []Sample, samples []Sample, maxPoints int) []Sample {
	if len(samples) <= maxPoints {
		if cap(dst) >= len(samples) {
			dst = dst[:len(samples)]
			copy(dst, samples)
			return dst
		}
		result := make([]Sample, len(samples))
		copy(result, samples)
		return result
	}

	if maxPoints <= 0 {
		return dst[:0]
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]Sample, 0, maxPoints)
	}

	step := float64(len(samples)) / float64(maxPoints)

	for i := range maxPoints {
		idx := int(float64(i) * step)
		if idx < len(samples) {
			dst = append(dst, samples[idx])
		}
	}

	return dst
}

// Envelope splits samples into buckets and returns the min and max current of each bucket.
// Unlike plain decimation it keeps short spikes visible in a coarse trace.
func Envelope(samples []Sample, buckets int) (lo, hi []float64) {
	if buckets <= 0 || len(samples) == 0 {
		return nil, nil
	}
	buckets = min(buckets, len(samples))

	lo = make([]float64, buckets)
	hi = make([]float64, buckets)
	step := float64(len(samples)) / float64(buckets)

	for b := range buckets {
		from := int(float64(b) * step)
		to := max(int(float64(b+1)*step), from+1)
		to = min(to, len(samples))

		lo[b], hi[b] = samples[from].Current, samples[from].Current
		for _, s := range samples[from+1 : to] {
			lo[b] = min(lo[b], s.Current)
			hi[b] = max(hi[b], s.Current)
		}
	}
	return lo, hi
}
