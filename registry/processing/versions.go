package processing

import (
	"fmt"
	"strconv"
	"strings"
)

func numericSegments(version string) ([]int, bool) {
	parts := strings.Split(strings.TrimSpace(version), ".")
	nums := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, false
		}
		nums = append(nums, n)
	}
	return nums, true
}

// CompareVersions compares dotted numeric versions segment by segment, missing
// segments count as 0. Versions that are not purely numeric compare lexically.
func CompareVersions(a, b string) int {
	na, okA := numericSegments(a)
	nb, okB := numericSegments(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}

	for i := 0; i < max(len(na), len(nb)); i++ {
		var x, y int
		if i < len(na) {
			x = na[i]
		}
		if i < len(nb) {
			y = nb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// BumpPatch turns major.minor.patch into major.minor.(patch+1). Missing or
// malformed segments become 0.
func BumpPatch(version string) string {
	var nums [3]int
	parts := strings.Split(strings.TrimSpace(version), ".")
	for i := 0; i < len(nums) && i < len(parts); i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err == nil && n >= 0 {
			nums[i] = n
		}
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]+1)
}
