package sim

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"accelrun/core/tensor"
)

func isFloat(s tensor.Spec) bool {
	switch s.DType {
	case dtypes.Float32, dtypes.Float16, dtypes.BFloat16:
		return true
	}
	return false
}

// compute evaluates the manifest on host tensors.
func (m Manifest) compute(inputs []tensor.HostTensor) ([]tensor.HostTensor, error) {
	outputs := make([]tensor.HostTensor, len(m.Outputs))
	for j, spec := range m.Outputs {
		var (
			out tensor.HostTensor
			err error
		)
		in := inputs[j%len(inputs)]
		switch m.Op {
		case OpIdentity:
			out, err = tensor.FromBytes(spec, in.Data())
		case OpScale:
			out, err = mapFloats(spec, in, func(v float32) float32 { return v * m.Alpha })
		case OpReLU:
			out, err = mapFloats(spec, in, func(v float32) float32 { return max(v, 0) })
		case OpSoftmax:
			out, err = rowFloats(spec, in, softmax)
		case OpAttention:
			out, err = attention(spec, in)
		default:
			err = errors.Errorf("op %q produces no outputs", m.Op)
		}
		if err != nil {
			return nil, err
		}
		outputs[j] = out
	}
	return outputs, nil
}

func mapFloats(spec tensor.Spec, in tensor.HostTensor, fn func(float32) float32) (tensor.HostTensor, error) {
	values, err := in.AsFloat32s()
	if err != nil {
		return tensor.HostTensor{}, err
	}
	for i, v := range values {
		values[i] = fn(v)
	}
	return tensor.EncodeFloat32s(spec, values)
}

// rowFloats applies fn to every row along the last axis.
func rowFloats(spec tensor.Spec, in tensor.HostTensor, fn func([]float32)) (tensor.HostTensor, error) {
	values, err := in.AsFloat32s()
	if err != nil {
		return tensor.HostTensor{}, err
	}
	width := spec.Shape[len(spec.Shape)-1]
	for start := 0; start < len(values); start += width {
		fn(values[start : start+width])
	}
	return tensor.EncodeFloat32s(spec, values)
}

func softmax(row []float32) {
	peak := float32(math.Inf(-1))
	for _, v := range row {
		peak = max(peak, v)
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - peak))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}

// attention is single-head scaled dot-product self attention with Q = K = V = x.
func attention(spec tensor.Spec, in tensor.HostTensor) (tensor.HostTensor, error) {
	x, err := in.AsFloat32s()
	if err != nil {
		return tensor.HostTensor{}, err
	}
	seq, dim := spec.Shape[0], spec.Shape[1]
	scale := float32(1 / math.Sqrt(float64(dim)))
	out := make([]float32, len(x))
	scores := make([]float32, seq)
	for i := 0; i < seq; i++ {
		q := x[i*dim : (i+1)*dim]
		for j := 0; j < seq; j++ {
			k := x[j*dim : (j+1)*dim]
			var dot float32
			for d := range q {
				dot += q[d] * k[d]
			}
			scores[j] = dot * scale
		}
		softmax(scores)
		row := out[i*dim : (i+1)*dim]
		for j, w := range scores {
			v := x[j*dim : (j+1)*dim]
			for d := range row {
				row[d] += w * v[d]
			}
		}
	}
	return tensor.EncodeFloat32s(spec, out)
}
