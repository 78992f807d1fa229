package protocol

// MaxVarintLen is the maximum number of bytes a varint can occupy.
const MaxVarintLen = 10

// UvarintLen returns the number of bytes needed to encode v as a varint.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}
