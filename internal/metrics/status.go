package metrics

import "sort"

// StatusBucket is the failure count for one action and code pair.
type StatusBucket struct {
	Action string `json:"action"`
	Code   string `json:"code"`
	Count  int    `json:"count"`
}

// FlattenStatusBuckets converts a nested action->code map into a sorted slice of StatusBucket rows.
// Rows are sorted by descending count, then by action/code for stability.
func FlattenStatusBuckets(buckets map[string]map[string]int) []StatusBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]StatusBucket, 0)
	for action, codes := range buckets {
		for code, count := range codes {
			rows = append(rows, StatusBucket{Action: action, Code: code, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Action == rows[j].Action {
				return rows[i].Code < rows[j].Code
			}
			return rows[i].Action < rows[j].Action
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
