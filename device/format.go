package device

import "github.com/dustin/go-humanize"

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// FormatSize returns a human-readable size in binary units, e.g. "2.0 MiB" or "100 B".
func FormatSize(size uint64) string {
	return humanize.IBytes(size)
}
