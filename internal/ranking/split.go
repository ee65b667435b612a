package ranking

// SplitAmount divides a minor-unit order total evenly across n line items.
// Rounding is half-up to the minor unit, with the leftover spread one unit
// at a time over the leading shares, so the shares always sum back to the
// original total: 10000 over 3 yields 3334, 3333, 3333.
func SplitAmount(totalMinor int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := totalMinor / int64(n)
	remainder := totalMinor - base*int64(n)
	for i := range shares {
		shares[i] = base
		if int64(i) < remainder {
			shares[i]++
		}
	}
	return shares
}
