//go:build opencl

package native

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"
import (
	"fmt"

	"github.com/pkg/errors"
)

// clErrorNames of the most common OpenCL error codes.
var clErrorNames = map[C.cl_int]string{
	C.CL_DEVICE_NOT_FOUND:                 "CL_DEVICE_NOT_FOUND",
	C.CL_DEVICE_NOT_AVAILABLE:             "CL_DEVICE_NOT_AVAILABLE",
	C.CL_COMPILER_NOT_AVAILABLE:           "CL_COMPILER_NOT_AVAILABLE",
	C.CL_MEM_OBJECT_ALLOCATION_FAILURE:    "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	C.CL_OUT_OF_RESOURCES:                 "CL_OUT_OF_RESOURCES",
	C.CL_OUT_OF_HOST_MEMORY:               "CL_OUT_OF_HOST_MEMORY",
	C.CL_BUILD_PROGRAM_FAILURE:            "CL_BUILD_PROGRAM_FAILURE",
	C.CL_INVALID_VALUE:                    "CL_INVALID_VALUE",
	C.CL_INVALID_PLATFORM:                 "CL_INVALID_PLATFORM",
	C.CL_INVALID_DEVICE:                   "CL_INVALID_DEVICE",
	C.CL_INVALID_CONTEXT:                  "CL_INVALID_CONTEXT",
	C.CL_INVALID_COMMAND_QUEUE:            "CL_INVALID_COMMAND_QUEUE",
	C.CL_INVALID_MEM_OBJECT:               "CL_INVALID_MEM_OBJECT",
	C.CL_INVALID_BUILD_OPTIONS:            "CL_INVALID_BUILD_OPTIONS",
	C.CL_INVALID_PROGRAM:                  "CL_INVALID_PROGRAM",
	C.CL_INVALID_PROGRAM_EXECUTABLE:       "CL_INVALID_PROGRAM_EXECUTABLE",
	C.CL_INVALID_KERNEL_NAME:              "CL_INVALID_KERNEL_NAME",
	C.CL_INVALID_KERNEL:                   "CL_INVALID_KERNEL",
	C.CL_INVALID_ARG_INDEX:                "CL_INVALID_ARG_INDEX",
	C.CL_INVALID_ARG_VALUE:                "CL_INVALID_ARG_VALUE",
	C.CL_INVALID_ARG_SIZE:                 "CL_INVALID_ARG_SIZE",
	C.CL_INVALID_KERNEL_ARGS:              "CL_INVALID_KERNEL_ARGS",
	C.CL_INVALID_WORK_DIMENSION:           "CL_INVALID_WORK_DIMENSION",
	C.CL_INVALID_WORK_GROUP_SIZE:          "CL_INVALID_WORK_GROUP_SIZE",
	C.CL_INVALID_GLOBAL_WORK_SIZE:         "CL_INVALID_GLOBAL_WORK_SIZE",
	C.CL_INVALID_BUFFER_SIZE:              "CL_INVALID_BUFFER_SIZE",
	C.CL_INVALID_OPERATION:                "CL_INVALID_OPERATION",
}

// Error returned by an OpenCL call.
type Error struct {
	Code int
	Call string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if name, found := clErrorNames[C.cl_int(e.Code)]; found {
		return fmt.Sprintf("OpenCL %s failed: %s (%d)", e.Call, name, e.Code)
	}
	return fmt.Sprintf("OpenCL %s failed: error code %d", e.Call, e.Code)
}

// toError converts an OpenCL status code to a Go error, with a stack trace (see github.com/pkg/errors).
// It returns nil for CL_SUCCESS.
func toError(call string, status C.cl_int) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return errors.WithStack(&Error{Code: int(status), Call: call})
}
