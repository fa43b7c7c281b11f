package wal

import (
	"encoding/binary"
	"fmt"
)

// Queue metadata record: 1-byte version, 8-byte head, 8-byte next,
// big-endian. head is the first live offset; next is the lowest offset
// never assigned. next is only authoritative when it exceeds what the
// segment scan recovers, which happens after full truncation reclaims
// every segment file.
const queueMetaVersion = 0x01

func encodeQueueMeta(head, next uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = queueMetaVersion
	binary.BigEndian.PutUint64(buf[1:9], head)
	binary.BigEndian.PutUint64(buf[9:17], next)
	return buf
}

func decodeQueueMeta(data []byte) (head, next uint64, err error) {
	if len(data) != 17 {
		return 0, 0, fmt.Errorf("queue metadata: unexpected length %d", len(data))
	}
	if data[0] != queueMetaVersion {
		return 0, 0, fmt.Errorf("queue metadata: unknown version 0x%02x", data[0])
	}
	return binary.BigEndian.Uint64(data[1:9]), binary.BigEndian.Uint64(data[9:17]), nil
}
