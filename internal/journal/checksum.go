package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

// Checksum returns the CRC32-IEEE of the event's content fields. The
// Checksum field itself is excluded.
func Checksum(ev Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(ev.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(ev.Type))
	b.WriteByte('|')
	b.WriteString(ev.JobID)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(ev.Rank))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(ev.Attempt))
	b.WriteByte('|')
	b.WriteString(ev.Detail)
	b.WriteByte('|')
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify reports whether ev carries a valid checksum.
func Verify(ev Event) bool {
	return ev.Checksum == Checksum(ev)
}
