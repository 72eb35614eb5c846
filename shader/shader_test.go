// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package shader

import (
	"encoding/binary"
	"errors"
	"testing"
)

// module assembles a minimal SPIR-V header.
func module(magic, version uint32) []byte {
	b := make([]byte, spirvHeaderLen*4)
	binary.LittleEndian.PutUint32(b, magic)
	binary.LittleEndian.PutUint32(b[4:], version)
	return b
}

func TestValidate(t *testing.T) {
	v, err := Validate(module(spirvMagic, 0x00010300))
	if err != nil {
		t.Fatalf("Validate:\nhave %v\nwant nil", err)
	}
	if v.Major != 1 || v.Minor != 3 {
		t.Fatalf("Validate version:\nhave %v\nwant SPIR-V 1.3", v)
	}
	if s := v.String(); s != "SPIR-V 1.3" {
		t.Fatalf("Version.String:\nhave %v\nwant SPIR-V 1.3", s)
	}
}

func TestValidateTruncated(t *testing.T) {
	for _, data := range [...][]byte{
		nil,
		{},
		module(spirvMagic, 0)[:8],
		module(spirvMagic, 0)[:19],
		append(module(spirvMagic, 0), 1),
	} {
		if _, err := Validate(data); !errors.Is(err, ErrTruncated) {
			t.Fatalf("Validate(%d bytes):\nhave %v\nwant %v", len(data), err, ErrTruncated)
		}
	}
}

func TestValidateMagic(t *testing.T) {
	if _, err := Validate(module(0xdeadbeef, 0)); !errors.Is(err, ErrNotSPIRV) {
		t.Fatalf("Validate:\nhave %v\nwant %v", err, ErrNotSPIRV)
	}
	// Byte-swapped modules are rejected explicitly.
	if _, err := Validate(module(0x03022307, 0)); !errors.Is(err, ErrNotSPIRV) {
		t.Fatalf("Validate:\nhave %v\nwant %v", err, ErrNotSPIRV)
	}
}

func TestCompileWGSL(t *testing.T) {
	const src = `
@compute @workgroup_size(1)
fn main() {}
`
	data, err := CompileWGSL(src)
	if err != nil {
		t.Skipf("CompileWGSL: %v", err)
	}
	if _, err := Validate(data); err != nil {
		t.Fatalf("Validate(CompileWGSL):\nhave %v\nwant nil", err)
	}
}
