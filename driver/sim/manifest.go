package sim

import (
	"encoding/json"

	"github.com/pkg/errors"

	"accelrun/core/artifact"
	"accelrun/core/native"
	"accelrun/core/tensor"
)

// Ops understood by the simulated device.
const (
	OpIdentity  = "identity"
	OpScale     = "scale"
	OpReLU      = "relu"
	OpSoftmax   = "softmax"
	OpAttention = "attention"
	OpFail      = "fail"
	OpHang      = "hang"
	OpFault     = "fault"
	OpReject    = "reject"
)

// Runtime status codes reported by the simulated device. They follow the numbering of the
// Neuron runtime so receipts read the same across drivers.
const (
	StatusFailure          = 1
	StatusInvalid          = 2
	StatusInvalidHandle    = 3
	StatusResource         = 4
	StatusTimeout          = 5
	StatusBadInput         = 1002
	StatusCompletedWithErr = 1004
)

// Manifest is a compiled executable for the simulated device: the magic line followed by JSON.
type Manifest struct {
	Op      string        `json:"op"`
	Alpha   float32       `json:"alpha,omitempty"`
	Status  int           `json:"status,omitempty"`
	Message string        `json:"message,omitempty"`
	Inputs  []tensor.Spec `json:"inputs"`
	Outputs []tensor.Spec `json:"outputs"`
}

// Encode renders the manifest as an executable blob.
func (m Manifest) Encode() []byte {
	body, err := json.Marshal(m)
	if err != nil {
		// Only tensor.Spec marshalling can fail, and only for invalid element types.
		panic(errors.Wrap(err, "encoding sim manifest"))
	}
	return append([]byte(artifact.SimMagic), body...)
}

// ParseManifest decodes a blob produced by Encode.
func ParseManifest(blob []byte) (Manifest, error) {
	var m Manifest
	if artifact.Sniff(blob) != artifact.FormatSim {
		return m, errors.Wrap(native.ErrRejected, "not a sim manifest")
	}
	if err := json.Unmarshal(blob[len(artifact.SimMagic):], &m); err != nil {
		return m, errors.Wrapf(native.ErrRejected, "decoding sim manifest: %v", err)
	}
	return m, m.validate()
}

// Unary builds a manifest whose outputs mirror its inputs: identity, scale, relu and softmax.
func Unary(op string, specs ...tensor.Spec) Manifest {
	outs := make([]tensor.Spec, len(specs))
	for i, s := range specs {
		outs[i] = s.Clone()
		outs[i].Name = s.Name + "_out"
	}
	return Manifest{Op: op, Alpha: 1, Inputs: specs, Outputs: outs}
}

func (m Manifest) validate() error {
	for _, s := range append(append([]tensor.Spec(nil), m.Inputs...), m.Outputs...) {
		if err := s.Validate(); err != nil {
			return errors.Wrapf(native.ErrRejected, "%v", err)
		}
	}
	switch m.Op {
	case OpIdentity, OpScale, OpReLU, OpSoftmax:
		if len(m.Inputs) == 0 || len(m.Outputs) == 0 {
			return errors.Wrapf(native.ErrRejected, "op %q needs inputs and outputs", m.Op)
		}
		for j, out := range m.Outputs {
			in := m.Inputs[j%len(m.Inputs)]
			if !in.Equal(out) {
				return errors.Wrapf(native.ErrRejected, "op %q: output %q %s does not match input %q %s",
					m.Op, out.Name, out, in.Name, in)
			}
			if m.Op != OpIdentity && !isFloat(in) {
				return errors.Wrapf(native.ErrRejected, "op %q: input %q is not floating point", m.Op, in.Name)
			}
		}
	case OpAttention:
		if len(m.Inputs) != 1 || len(m.Outputs) != 1 {
			return errors.Wrapf(native.ErrRejected, "op %q takes one input and one output", m.Op)
		}
		in := m.Inputs[0]
		if len(in.Shape) != 2 || !isFloat(in) || !in.Equal(m.Outputs[0]) {
			return errors.Wrapf(native.ErrRejected, "op %q needs matching float [seq, dim] tensors", m.Op)
		}
	case OpFail, OpHang, OpFault:
	case OpReject:
		return errors.Wrapf(native.ErrRejected, "executable marked as unloadable")
	default:
		return errors.Wrapf(native.ErrRejected, "unsupported op %q", m.Op)
	}
	return nil
}
