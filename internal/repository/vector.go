package repository

import (
	"encoding/binary"
	"math"
)

// chunkKey is the vec0 primary key binding a chunk back to its owning file
// and ordinal, since vec0 virtual tables carry no foreign keys of their own.
func chunkKey(fileID int64, ordinal int) string {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(fileID))
	binary.BigEndian.PutUint32(buf[8:], uint32(ordinal))
	return string(buf[:])
}

// serializeVector encodes a float32 vector as the little-endian binary blob
// both sqlite-vec and our pure-Go fallback store.
func serializeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeVector is the inverse of serializeVector.
func deserializeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineDistance computes 1 - cosine_similarity(a, b), matching
// sqlite-vec's vec_distance_cosine so the fallback path and the optimized
// path produce comparable scores.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	similarity := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - similarity
}
