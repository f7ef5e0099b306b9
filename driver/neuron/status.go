// Package neuron drives AWS Neuron devices through the Neuron runtime library (libnrt).
//
// The cgo binding is only compiled with the "neuron" build tag on a host with the Neuron SDK
// installed; without it the package exposes the status and dtype tables only.
//
// The runtime is initialized once per process and never shut down: after nrt_close, nrt_init
// fails for the rest of the process lifetime.
package neuron

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"

	"accelrun/core/native"
)

// Name is the driver name used by the registry.
const Name = "neuron"

// NRT_STATUS values.
const (
	StatusSuccess              = 0
	StatusFailure              = 1
	StatusInvalid              = 2
	StatusInvalidHandle        = 3
	StatusResource             = 4
	StatusTimeout              = 5
	StatusHardwareError        = 6
	StatusQueueFull            = 7
	StatusLoadNotEnoughNC      = 9
	StatusUnsupportedNEFF      = 10
	StatusUninitialized        = 13
	StatusClosed               = 14
	StatusExecBadInput         = 1002
	StatusExecCompletedNumErr  = 1003
	StatusExecCompletedWithErr = 1004
	StatusExecNCBusy           = 1005
	StatusExecOOB              = 1006
)

var statusNames = map[int]string{
	StatusSuccess:              "NRT_SUCCESS",
	StatusFailure:              "NRT_FAILURE",
	StatusInvalid:              "NRT_INVALID",
	StatusInvalidHandle:        "NRT_INVALID_HANDLE",
	StatusResource:             "NRT_RESOURCE",
	StatusTimeout:              "NRT_TIMEOUT",
	StatusHardwareError:        "NRT_HW_ERROR",
	StatusQueueFull:            "NRT_QUEUE_FULL",
	StatusLoadNotEnoughNC:      "NRT_LOAD_NOT_ENOUGH_NC",
	StatusUnsupportedNEFF:      "NRT_UNSUPPORTED_NEFF_VERSION",
	StatusUninitialized:        "NRT_UNINITIALIZED",
	StatusClosed:               "NRT_CLOSED",
	StatusExecBadInput:         "NRT_EXEC_BAD_INPUT",
	StatusExecCompletedNumErr:  "NRT_EXEC_COMPLETED_WITH_NUM_ERR",
	StatusExecCompletedWithErr: "NRT_EXEC_COMPLETED_WITH_ERR",
	StatusExecNCBusy:           "NRT_EXEC_NC_BUSY",
	StatusExecOOB:              "NRT_EXEC_OOB",
}

// StatusName returns the runtime's name for an NRT_STATUS value.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "NRT_STATUS_UNKNOWN"
}

// statusError converts a non-success status from call into an error. Codes with a portable
// meaning also match the native sentinels.
func statusError(call string, code int) error {
	if code == StatusSuccess {
		return nil
	}
	se := &native.StatusError{Op: call, Code: code, Message: StatusName(code)}
	switch {
	case code == StatusResource:
		return fmt.Errorf("%w: %w", native.ErrOutOfMemory, se)
	case code == StatusLoadNotEnoughNC:
		return fmt.Errorf("%w: %w", native.ErrNoDevice, se)
	case code == StatusUnsupportedNEFF, call == "nrt_load" && code == StatusInvalid:
		return fmt.Errorf("%w: %w", native.ErrRejected, se)
	case code == StatusInvalidHandle:
		return fmt.Errorf("%w: %w", native.ErrInvalidHandle, se)
	}
	return se
}

// nrt_dtype_t values.
const (
	nrtDTypeUnknown  = 0
	nrtDTypeFloat32  = 1
	nrtDTypeFloat16  = 2
	nrtDTypeBFloat16 = 3
	nrtDTypeInt8     = 4
	nrtDTypeUint8    = 5
	nrtDTypeInt16    = 6
	nrtDTypeUint16   = 7
	nrtDTypeInt32    = 8
	nrtDTypeUint32   = 9
	nrtDTypeInt64    = 10
	nrtDTypeUint64   = 11
	nrtDTypeFloat64  = 12
)

var nrtDTypes = map[int]dtypes.DType{
	nrtDTypeFloat32:  dtypes.Float32,
	nrtDTypeFloat16:  dtypes.Float16,
	nrtDTypeBFloat16: dtypes.BFloat16,
	nrtDTypeInt8:     dtypes.Int8,
	nrtDTypeUint8:    dtypes.Uint8,
	nrtDTypeInt16:    dtypes.Int16,
	nrtDTypeUint16:   dtypes.Uint16,
	nrtDTypeInt32:    dtypes.Int32,
	nrtDTypeUint32:   dtypes.Uint32,
	nrtDTypeInt64:    dtypes.Int64,
	nrtDTypeUint64:   dtypes.Uint64,
	nrtDTypeFloat64:  dtypes.Float64,
}

// DTypeFromNRT maps an nrt_dtype_t to an element type; unknown values map to InvalidDType.
func DTypeFromNRT(v int) dtypes.DType {
	if dt, ok := nrtDTypes[v]; ok {
		return dt
	}
	return dtypes.InvalidDType
}
