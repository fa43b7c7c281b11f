package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Frame layout: 4-byte little-endian payload length, 4-byte CRC-32C of
// the payload, then the payload. Offsets are implicit: the i-th frame
// of a segment holds the record at offset segment.start + i.
const frameHeaderSize = 8

// maxFrameSize rejects absurd length prefixes during recovery so a
// corrupt header cannot trigger a huge allocation.
const maxFrameSize = 256 << 20

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// readFrame reads one frame from r. It returns io.ErrUnexpectedEOF for
// a frame cut short and a non-nil error for a corrupt one.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err // io.EOF at a clean frame boundary
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc := crc32.Checksum(payload, crcTable); crc != binary.LittleEndian.Uint32(header[4:8]) {
		return nil, errors.New("frame checksum mismatch")
	}
	return payload, nil
}

// scanSegment walks the frames of a segment file, returning the number
// of valid frames and the byte size they cover. A torn or corrupt tail
// is discarded by truncating the file back to the last valid frame
// boundary, so a crash mid-append never poisons the queue.
func scanSegment(path string) (count uint64, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return count, size, nil
		}
		if err != nil {
			// Torn tail: drop everything past the last good frame.
			if truncErr := os.Truncate(path, size); truncErr != nil {
				return 0, 0, fmt.Errorf("truncate torn segment %s: %w", path, truncErr)
			}
			return count, size, nil
		}
		count++
		size += frameHeaderSize + int64(len(payload))
	}
}
