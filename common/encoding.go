package common

import (
	"encoding/binary"
)

var littleEndian = binary.LittleEndian

func AppendUint32ToBufferLE(buffer []byte, v uint32) []byte {
	return append(buffer, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func AppendUint64ToBufferLE(buffer []byte, v uint64) []byte {
	return append(buffer, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32),
		byte(v>>40), byte(v>>48), byte(v>>56))
}

func AppendStringToBufferLE(buffer []byte, value string) []byte {
	buffPtr := AppendUint32ToBufferLE(buffer, uint32(len(value)))
	buffPtr = append(buffPtr, value...)
	return buffPtr
}

func ReadUint32FromBufferLE(buffer []byte, offset int) (uint32, int) {
	return littleEndian.Uint32(buffer[offset:]), offset + 4
}

func ReadUint64FromBufferLE(buffer []byte, offset int) (uint64, int) {
	return littleEndian.Uint64(buffer[offset:]), offset + 8
}

func ReadStringFromBufferLE(buffer []byte, offset int) (val string, off int) {
	lu, offset := ReadUint32FromBufferLE(buffer, offset)
	l := int(lu)
	str := string(buffer[offset : offset+l])
	offset += l
	return str, offset
}
