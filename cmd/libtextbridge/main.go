// Command libtextbridge builds the native textbridge library:
//
//	go build -buildmode=c-shared -o libtextbridge.so ./cmd/libtextbridge
//
// Every returned char* is owned by the caller and must be passed back to
// tb_free_string. Program handles returned by tb_compile must be passed to
// tb_release_program. Failures of the singleton functions abort the process.
//
// Configuration is read from the file named by TEXTBRIDGE_CONFIG, if set,
// plus TEXTBRIDGE_* environment overrides.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"os"
	"unsafe"

	"go.uber.org/zap"

	"github.com/woxQAQ/textbridge/internal/cabi"
	"github.com/woxQAQ/textbridge/internal/config"
	"github.com/woxQAQ/textbridge/internal/handle"
	"github.com/woxQAQ/textbridge/internal/transform"
)

var lib *cabi.Library

func init() {
	cfg, err := config.LoadConfig(os.Getenv("TEXTBRIDGE_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}

	lib, err = cabi.New(cfg.TransformSettings(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize textbridge", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func main() {}

func singleton(kind transform.Kind, in *C.char) *C.char {
	out, err := lib.Transform(kind, unsafe.Pointer(in))
	if err != nil {
		panic(err)
	}
	return (*C.char)(out)
}

func setErr(errOut **C.char, err error) {
	if errOut != nil {
		*errOut = (*C.char)(lib.ErrorString(err))
	}
}

//export tb_identity
func tb_identity(in *C.char) *C.char {
	return singleton(transform.KindIdentity, in)
}

//export tb_rewrite
func tb_rewrite(in *C.char) *C.char {
	return singleton(transform.KindPattern, in)
}

//export tb_script
func tb_script(in *C.char) *C.char {
	return singleton(transform.KindScript, in)
}

//export tb_compile
func tb_compile(src *C.char, errOut **C.char) C.uintptr_t {
	h, err := lib.Compile(unsafe.Pointer(src))
	if err != nil {
		setErr(errOut, err)
		return 0
	}
	return C.uintptr_t(h)
}

//export tb_script_program
func tb_script_program(h C.uintptr_t, in *C.char, errOut **C.char) *C.char {
	if uint64(h) > uint64(^uint32(0)) {
		setErr(errOut, handle.ErrInvalidHandle)
		return nil
	}
	out, err := lib.TransformProgram(handle.Handle(h), unsafe.Pointer(in))
	if err != nil {
		setErr(errOut, err)
		return nil
	}
	return (*C.char)(out)
}

//export tb_release_program
func tb_release_program(h C.uintptr_t) C.int {
	if uint64(h) > uint64(^uint32(0)) {
		return -1
	}
	if err := lib.ReleaseProgram(handle.Handle(h)); err != nil {
		return -1
	}
	return 0
}

//export tb_free_string
func tb_free_string(p *C.char) C.int {
	if err := lib.FreeString(unsafe.Pointer(p)); err != nil {
		return -1
	}
	return 0
}
