// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package shader handles the shader binaries consumed at
// pipeline creation time.
// Binaries are SPIR-V modules. WGSL source can be compiled
// into SPIR-V through CompileWGSL.
package shader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/naga"
)

// SPIR-V module header, in words.
const (
	spirvMagic     = 0x07230203
	spirvHeaderLen = 5
)

// ErrNotSPIRV means that a blob does not start with the
// SPIR-V magic number.
var ErrNotSPIRV = errors.New("shader: not a SPIR-V module")

// ErrTruncated means that a blob is shorter than the
// module header or not a whole number of words.
var ErrTruncated = errors.New("shader: truncated SPIR-V module")

// Version identifies the SPIR-V version a module was
// generated for.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("SPIR-V %d.%d", v.Major, v.Minor)
}

// Validate checks that data holds a well-formed SPIR-V
// module header and reports its version.
// The module body is left to the driver to validate.
func Validate(data []byte) (Version, error) {
	if len(data) < spirvHeaderLen*4 || len(data)%4 != 0 {
		return Version{}, ErrTruncated
	}
	switch binary.LittleEndian.Uint32(data) {
	case spirvMagic:
	case 0x03022307:
		// Byte-swapped modules are valid SPIR-V but no
		// supported driver consumes them.
		return Version{}, fmt.Errorf("%w: big-endian encoding", ErrNotSPIRV)
	default:
		return Version{}, ErrNotSPIRV
	}
	ver := binary.LittleEndian.Uint32(data[4:])
	return Version{
		Major: int(ver >> 16 & 0xff),
		Minor: int(ver >> 8 & 0xff),
	}, nil
}

// CompileWGSL compiles WGSL source code into a SPIR-V
// module suitable for Device.NewShader.
func CompileWGSL(source string) ([]byte, error) {
	data, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: %w", err)
	}
	return data, nil
}
