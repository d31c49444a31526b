package mel

import "math"

// fft is an in-place iterative radix-2 transform with precomputed twiddles.
type fft struct {
	n       int
	cos     []float64
	sin     []float64
	reverse []int
}

func newFFT(n int) *fft {
	f := &fft{
		n:       n,
		cos:     make([]float64, n/2),
		sin:     make([]float64, n/2),
		reverse: make([]int, n),
	}
	for i := 0; i < n/2; i++ {
		angle := -2 * math.Pi * float64(i) / float64(n)
		f.cos[i] = math.Cos(angle)
		f.sin[i] = math.Sin(angle)
	}
	bits := 0
	for 1<<bits < n {
		bits++
	}
	for i := 0; i < n; i++ {
		r := 0
		for b := 0; b < bits; b++ {
			if i&(1<<b) != 0 {
				r |= 1 << (bits - 1 - b)
			}
		}
		f.reverse[i] = r
	}
	return f
}

func (f *fft) transform(re, im []float64) {
	for i, r := range f.reverse {
		if i < r {
			re[i], re[r] = re[r], re[i]
			im[i], im[r] = im[r], im[i]
		}
	}
	for size := 2; size <= f.n; size <<= 1 {
		half := size / 2
		step := f.n / size
		for start := 0; start < f.n; start += size {
			for k := 0; k < half; k++ {
				wr, wi := f.cos[k*step], f.sin[k*step]
				a, b := start+k, start+k+half
				tr := wr*re[b] - wi*im[b]
				ti := wr*im[b] + wi*re[b]
				re[b], im[b] = re[a]-tr, im[a]-ti
				re[a], im[a] = re[a]+tr, im[a]+ti
			}
		}
	}
}
