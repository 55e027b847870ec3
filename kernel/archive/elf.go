package archive

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/kfmt/early"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/proc"
)

// ELF64 identification and header constants, grounded on the verification
// checklist a hosted ELF reader would run: 64-bit class, little-endian
// data, version 1, the generic OS/ABI, a plain executable, and x86_64.
const (
	elfMagic0 = 0x7f
	elfMagic1 = 'E'
	elfMagic2 = 'L'
	elfMagic3 = 'F'

	elfClass64       = 2
	elfDataLSB       = 1
	elfVersionCurr   = 1
	elfOSABINone     = 0
	elfABIVersion0   = 0
	elfTypeExec      = 2
	elfMachineX86_64 = 62
)

// Program header types this loader understands. Anything else is fatal.
const (
	ptNull = 0
	ptLoad = 1
	ptPhdr = 6
)

// Program header permission flags.
const (
	pfExec  = 1
	pfWrite = 2
)

// elf64Header mirrors the on-disk Elf64_Ehdr layout exactly (64 bytes, no
// implicit padding) so it can be cast directly over archive content
// instead of decoded field-by-field with encoding/binary.
type elf64Header struct {
	identMag0       byte
	identMag1       byte
	identMag2       byte
	identMag3       byte
	identClass      byte
	identData       byte
	identVersion    byte
	identOSABI      byte
	identABIVersion byte
	_pad            [7]byte

	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf64ProgramHeader mirrors Elf64_Phdr exactly (56 bytes).
type elf64ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

var (
	errTruncatedELF             = &kernel.Error{Module: "archive", Message: "ELF image too short to contain a valid header"}
	errBadELFMagic              = &kernel.Error{Module: "archive", Message: "ELF magic mismatch"}
	errBadELFClass              = &kernel.Error{Module: "archive", Message: "ELF class is not 64-bit"}
	errBadELFData               = &kernel.Error{Module: "archive", Message: "ELF data encoding is not little-endian"}
	errBadELFVersion            = &kernel.Error{Module: "archive", Message: "ELF version is not 1"}
	errBadELFOSABI              = &kernel.Error{Module: "archive", Message: "ELF OS/ABI is not 0"}
	errBadELFABIVersion         = &kernel.Error{Module: "archive", Message: "ELF ABI version is not 0"}
	errBadELFType               = &kernel.Error{Module: "archive", Message: "ELF type is not ET_EXEC"}
	errBadELFMachine            = &kernel.Error{Module: "archive", Message: "ELF machine is not x86_64"}
	errUnsupportedProgramHeader = &kernel.Error{Module: "archive", Message: "ELF program header type is neither LOAD, NULL nor PHDR"}
)

// verifyELFHeader runs the chkELF-style checklist: magic, class, data
// encoding, version, OS/ABI, ABI version, type, and machine.
func verifyELFHeader(h *elf64Header) *kernel.Error {
	if h.identMag0 != elfMagic0 || h.identMag1 != elfMagic1 || h.identMag2 != elfMagic2 || h.identMag3 != elfMagic3 {
		return errBadELFMagic
	}
	if h.identClass != elfClass64 {
		return errBadELFClass
	}
	if h.identData != elfDataLSB {
		return errBadELFData
	}
	if h.identVersion != elfVersionCurr {
		return errBadELFVersion
	}
	if h.identOSABI != elfOSABINone {
		return errBadELFOSABI
	}
	if h.identABIVersion != elfABIVersion0 {
		return errBadELFABIVersion
	}
	if h.Type != elfTypeExec {
		return errBadELFType
	}
	if h.Machine != elfMachineX86_64 {
		return errBadELFMachine
	}
	return nil
}

// Load verifies data as an ELF64 executable and, for each LOAD program
// header, rounds its range to page boundaries, maps it into p's address
// space with permissions reflecting the segment's flags, copies filesz
// bytes from data and zeroes the remainder up to memsz. NULL and PHDR
// headers are skipped; any other header type prints a diagnostic and
// fails the load. p must still be in state loading. On success, p's
// entry point is set from e_entry.
func Load(p *proc.Process, data []byte) *kernel.Error {
	if len(data) < int(unsafe.Sizeof(elf64Header{})) {
		return errTruncatedELF
	}
	header := (*elf64Header)(unsafe.Pointer(&data[0]))
	if err := verifyELFHeader(header); err != nil {
		return err
	}

	phdrSize := int(unsafe.Sizeof(elf64ProgramHeader{}))
	for i := uint16(0); i < header.Phnum; i++ {
		off := int(header.Phoff) + int(i)*phdrSize
		if off < 0 || off+phdrSize > len(data) {
			return errTruncatedELF
		}
		ph := (*elf64ProgramHeader)(unsafe.Pointer(&data[off]))

		switch ph.Type {
		case ptNull, ptPhdr:
			continue
		case ptLoad:
			if err := loadSegment(p, ph, data); err != nil {
				return err
			}
		default:
			early.Printf("[archive] unsupported program header type %d at vaddr 0x%x\n", ph.Type, ph.Vaddr)
			return errUnsupportedProgramHeader
		}
	}

	return p.SetEntryPoint(uintptr(header.Entry))
}

// loadSegment maps and populates a single LOAD segment.
func loadSegment(p *proc.Process, ph *elf64ProgramHeader, data []byte) *kernel.Error {
	var flags vmm.ProtFlags
	if ph.Flags&pfWrite == 0 {
		flags |= vmm.ProtReadOnly
	}
	if ph.Flags&pfExec != 0 {
		flags |= vmm.ProtExec
	}

	vaddr := uintptr(ph.Vaddr)
	base := vaddr &^ (uintptr(mem.PageSize) - 1)
	limit := (vaddr + uintptr(ph.Memsz) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	if _, err := p.Alloc(base, mem.Size(limit-base), flags); err != nil {
		return err
	}

	if ph.Filesz > 0 {
		p.Write(vaddr, data[ph.Offset:ph.Offset+ph.Filesz])
	}
	if ph.Memsz > ph.Filesz {
		p.Zero(vaddr+uintptr(ph.Filesz), uintptr(ph.Memsz-ph.Filesz))
	}
	return nil
}
