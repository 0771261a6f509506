package fingerprint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// Checksum computes the signed 32-bit checksum of a block's normalized
// lines. The signed cast matches the wire format, which stores checksums as
// int32; roughly half of all checksums come out negative.
func Checksum(lines []string) int32 {
	return int32(crc32.ChecksumIEEE([]byte(strings.Join(lines, "\n"))))
}

func checksumRaw(content []byte) int32 {
	return int32(crc32.ChecksumIEEE(content))
}

// EncodeChecksums serializes checksums as little-endian int32s. The empty
// list encodes to an empty (non-nil) slice.
func EncodeChecksums(sums []int32) []byte {
	blob := make([]byte, 4*len(sums))
	for i, s := range sums {
		binary.LittleEndian.PutUint32(blob[4*i:], uint32(s))
	}
	return blob
}

// DecodeChecksums is the inverse of EncodeChecksums.
func DecodeChecksums(blob []byte) ([]int32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("decode checksums: blob length %d not a multiple of 4", len(blob))
	}
	sums := make([]int32, len(blob)/4)
	for i := range sums {
		sums[i] = int32(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return sums, nil
}

// HashBytes computes the whole-file content hash (fsha) used as the
// fast-path change detector before any block-level work.
func HashBytes(content []byte) string {
	sum := blake3.Sum256(content)
	return fmt.Sprintf("%x", sum[:])
}

// HashFile computes the fsha of a file on disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
