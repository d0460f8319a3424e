// Package elf implements the small ELF32 subset spec.md §6 requires:
// magic validation, LOAD program headers, and (kernel-space images
// only) a section-header symbol walk used to bind global objects for
// debug tooling. It follows the teacher's own ELF tool
// (biscuit/src/kernel/chentry.go) in reaching for the standard
// library's debug/elf and encoding/binary packages rather than a
// hand-rolled binary reader, adapted here to 32-bit little-endian
// (EM_386) images instead of the teacher's 64-bit ones.
package elf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Magic is the four-byte ELF magic spec.md §6 names explicitly:
// 0x7F 'E' 'L' 'F', read as a little-endian uint32 this is 0x464C457F.
const Magic uint32 = 0x464C457F

// ProgLoad is the program-header type this kernel honours; every
// other header type is skipped during image loading.
const ProgLoad = uint32(elf.PT_LOAD)

// ProgHeader is the subset of an ELF32 program header load_icode
// needs.
type ProgHeader struct {
	Type   uint32
	Offset uint32
	VAddr  uint32
	FileSz uint32
	MemSz  uint32
}

// Image is a parsed ELF32 executable: entry point plus LOAD headers,
// with the raw bytes retained so the loader can slice payload data
// out of them directly.
type Image struct {
	Entry   uint32
	Headers []ProgHeader
	raw     []byte
}

// Payload returns the on-disk bytes for program header h, i.e. the
// filesz bytes that must be copied verbatim (the remaining memsz-filesz
// bytes are BSS and must be zero-filled by the caller).
func (img *Image) Payload(h ProgHeader) []byte {
	return img.raw[h.Offset : h.Offset+h.FileSz]
}

// elf32Header mirrors the fixed-size prefix of an ELF32 file header,
// read with encoding/binary exactly as chentry.go reads and rewrites
// an ELF header's Entry field.
type elf32Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf32ProgHeader struct {
	Type   uint32
	Offset uint32
	VAddr  uint32
	PAddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Parse validates the ELF32 magic and extracts the entry point and
// LOAD program headers from a raw kernel image.
func Parse(binary_ []byte) (*Image, error) {
	if len(binary_) < 52 {
		return nil, fmt.Errorf("elf: image too small to hold a header")
	}
	magic := binary.LittleEndian.Uint32(binary_[:4])
	if magic != Magic {
		return nil, fmt.Errorf("elf: bad magic %#08x", magic)
	}

	var hdr elf32Header
	r := byteReader{binary_}
	if err := binary.Read(&r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("elf: reading header: %w", err)
	}

	img := &Image{Entry: hdr.Entry, raw: binary_}
	for i := 0; i < int(hdr.Phnum); i++ {
		off := int(hdr.Phoff) + i*int(hdr.Phentsize)
		if off+32 > len(binary_) {
			return nil, fmt.Errorf("elf: program header %d out of range", i)
		}
		var ph elf32ProgHeader
		pr := byteReader{binary_[off:]}
		if err := binary.Read(&pr, binary.LittleEndian, &ph); err != nil {
			return nil, fmt.Errorf("elf: reading program header %d: %w", i, err)
		}
		if ph.Type != ProgLoad {
			continue
		}
		img.Headers = append(img.Headers, ProgHeader{
			Type:   ph.Type,
			Offset: ph.Offset,
			VAddr:  ph.VAddr,
			FileSz: ph.Filesz,
			MemSz:  ph.Memsz,
		})
	}
	return img, nil
}

// byteReader adapts a byte slice to io.Reader for encoding/binary
// without pulling in bytes.Reader's extra surface.
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	if n == 0 {
		return 0, fmt.Errorf("elf: short read")
	}
	return n, nil
}

// GlobalObjectSymbol names a global STT_OBJECT symbol and its value,
// as produced by DebugSymbols for kernel-space debug binding.
type GlobalObjectSymbol struct {
	Name  string
	Value uint32
}

// DebugSymbols walks the section headers of a kernel-space image and
// returns every global STT_OBJECT symbol. spec.md §6 restricts this
// walk to kernel-space mode; callers in user-space image loading must
// not invoke it. Grounded directly on original_source/kern/env.c's
// bind_functions, which performs the identical walk (restricted to
// CONFIG_KSPACE) to bind kernel global-variable references to
// function addresses for debug tooling.
func DebugSymbols(binary_ []byte) ([]GlobalObjectSymbol, error) {
	f, err := elf.NewFile(byteSliceReaderAt(binary_))
	if err != nil {
		return nil, fmt.Errorf("elf: parsing for symbols: %w", err)
	}
	syms, err := f.Symbols()
	if err != nil {
		// A binary with no symbol table at all is not an error for our
		// purposes: debug binding is best-effort.
		return nil, nil
	}
	var out []GlobalObjectSymbol
	for _, s := range syms {
		if elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
			continue
		}
		if elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
			continue
		}
		if s.Name == "" {
			continue
		}
		out = append(out, GlobalObjectSymbol{Name: s.Name, Value: uint32(s.Value)})
	}
	return out, nil
}

// byteSliceReaderAt adapts a byte slice to io.ReaderAt for debug/elf.
type byteSliceReaderAt []byte

func (b byteSliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("elf: ReadAt out of range")
	}
	n := copy(p, b[off:])
	return n, nil
}
