// Package keyspace defines the 128-bit identifier space shared by nodes and
// data keys, the XOR distance metric used to order them, and the correlation
// cookies that match replies to requests.
//
// # Metric
//
// Dist(a, b) is the bitwise XOR of a and b read as an unsigned big-endian
// integer. It satisfies:
//
//	Dist(a, a) == 0
//	Dist(a, b) == Dist(b, a)
//	Dist(a, b) <= Dist(a, c) + Dist(c, b)
//
// The last inequality is stated with Distance.AddSaturating: when the sum
// would not fit in 128 bits it is capped at the maximum distance, which makes
// the inequality hold trivially.
//
// Distances are only ever compared; no other arithmetic is done on them
// outside of tests.
//
// # Cookies
//
// A Cookie is drawn from a random UUID for every outstanding request. Callers
// that keep cookies in a map should still check for collisions before reuse.
package keyspace
