package magicfs

// safeInt64ToUint64 clamps a negative size/count to 0 rather than wrapping.
func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// safeIntToUint32 clamps a negative uid/gid to 0 rather than wrapping.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
