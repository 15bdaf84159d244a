package vecadd

import "math/rand"

// GenerateInputs returns two slices of n values drawn uniformly from
// [0, bound] by a generator seeded with seed. The same seed always yields
// the same inputs.
func GenerateInputs(seed int64, n int, bound int32) (a, b []int32) {
	if bound <= 0 || bound > MaxOperand {
		bound = MaxOperand
	}
	r := rand.New(rand.NewSource(seed))
	a = make([]int32, n)
	b = make([]int32, n)
	for i := 0; i < n; i++ {
		a[i] = r.Int31n(bound + 1)
		b[i] = r.Int31n(bound + 1)
	}
	return a, b
}

// Mismatch is one element where the device result differs from the host sum.
type Mismatch struct {
	Index int   `json:"index"`
	A     int32 `json:"a"`
	B     int32 `json:"b"`
	C     int32 `json:"c"`
}

// Validate compares c against a+b over every element. It never stops early.
func Validate(a, b, c []int32) []Mismatch {
	n := min(len(a), len(b), len(c))
	var out []Mismatch
	for i := 0; i < n; i++ {
		if a[i]+b[i] != c[i] {
			out = append(out, Mismatch{Index: i, A: a[i], B: b[i], C: c[i]})
		}
	}
	return out
}
