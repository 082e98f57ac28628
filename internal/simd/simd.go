package simd

import "math"

// NegInf is the score assigned to masked-out attention cells.
var NegInf = float32(math.Inf(-1))

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SoftmaxMasked applies softmax in-place to a row, treating -Inf entries as
// masked. A fully masked row becomes all zeros instead of NaN.
func SoftmaxMasked(row []float32) {
	maxVal := NegInf
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		clear(row)
		return
	}

	var sum float32
	for i, v := range row {
		if math.IsInf(float64(v), -1) {
			row[i] = 0
			continue
		}
		row[i] = float32(math.Exp(float64(v - maxVal)))
		sum += row[i]
	}

	invSum := 1 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// LogSoftmaxMasked applies log-softmax in-place; masked entries stay -Inf.
func LogSoftmaxMasked(row []float32) {
	maxVal := NegInf
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		return
	}
	var sum float64
	for _, v := range row {
		if !math.IsInf(float64(v), -1) {
			sum += math.Exp(float64(v - maxVal))
		}
	}
	logSum := maxVal + float32(math.Log(sum))
	for i, v := range row {
		if !math.IsInf(float64(v), -1) {
			row[i] = v - logSum
		}
	}
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + float32(math.Exp(float64(-x))))
}

// Relu clamps negatives to zero.
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}
