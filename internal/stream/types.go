package stream

import "fmt"

// Kind classifies the bytes covered by an Extent.
type Kind uint8

const (
	KindData Kind = iota
	KindZero
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindZero:
		return "zero"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// BackupKind tells a full backup apart from an incremental one.
type BackupKind uint8

const (
	Full BackupKind = iota
	Incremental
)

func (k BackupKind) String() string {
	if k == Full {
		return "full"
	}
	return "incremental"
}

// FileRef identifies one backup file in a chain. Sequence defines override
// precedence: higher wins.
type FileRef struct {
	Path     string
	Sequence uint32
	Kind     BackupKind
}

func (r FileRef) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.Path, r.Sequence, r.Kind)
}

// Extent is a byte range of the virtual disk described by one backup file.
// Offset and Length address the virtual disk; LocalOffset is where a data
// extent's payload starts inside Source.Path.
type Extent struct {
	Offset      uint64
	Length      uint64
	Kind        Kind
	Source      FileRef
	LocalOffset int64
}

// End returns the first byte past the extent.
func (e Extent) End() uint64 { return e.Offset + e.Length }
