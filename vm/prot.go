package vm

// Prot is a page protection, numbered like mprotect(2).
type Prot uint32

// Protection bits.
const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW = ProtRead | ProtWrite
)

// String returns the protection in /proc/self/maps style, e.g. "r-x".
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// AccessType is the kind of memory access that caused a fault.
type AccessType uint8

// Access types.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

// String returns a lowercase name for the access type.
func (at AccessType) String() string {
	switch at {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Allowed reports whether an access of this type is permitted by p.
func (at AccessType) Allowed(p Prot) bool {
	switch at {
	case AccessRead:
		return p&ProtRead != 0
	case AccessWrite:
		return p&ProtWrite != 0
	case AccessExecute:
		return p&ProtExec != 0
	default:
		return false
	}
}
