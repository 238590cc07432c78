package taxonomy

// Ratio computes a character-sequence similarity in [0,1] between a and b:
// 2*M/T where M is the total length of the matching blocks and T the combined
// length. Blocks are found by recursively taking the longest common substring,
// so the measure is deterministic for fixed inputs.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	matched := matchTotal(ra, rb)
	return 2.0 * float64(matched) / float64(total)
}

// UpperBound is a cheap bound on Ratio used to skip hopeless candidates.
func UpperBound(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la+lb == 0 {
		return 1.0
	}
	min := la
	if lb < min {
		min = lb
	}
	return 2.0 * float64(min) / float64(la+lb)
}

func matchTotal(a, b []rune) int {
	ai, bj, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	return size + matchTotal(a[:ai], b[:bj]) + matchTotal(a[ai+size:], b[bj+size:])
}

// longestMatch finds the longest common substring, preferring the earliest
// position in a, then in b.
func longestMatch(a, b []rune) (ai, bj, size int) {
	j2len := make(map[int]int)
	for i := range a {
		next := make(map[int]int)
		for j := range b {
			if a[i] == b[j] {
				k := j2len[j-1] + 1
				next[j] = k
				if k > size {
					ai, bj, size = i-k+1, j-k+1, k
				}
			}
		}
		j2len = next
	}
	return ai, bj, size
}
