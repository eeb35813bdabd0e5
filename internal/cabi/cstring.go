package cabi

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

// CString copies s into a malloc'd NUL-terminated buffer.
func CString(s string) unsafe.Pointer {
	return unsafe.Pointer(C.CString(s))
}

// GoString copies the NUL-terminated string at p.
func GoString(p unsafe.Pointer) string {
	return C.GoString((*C.char)(p))
}

// Free releases a buffer from CString. Strings issued by a Library go back
// through Library.FreeString instead.
func Free(p unsafe.Pointer) {
	C.free(p)
}
