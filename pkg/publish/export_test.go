package publish

import "github.com/prometheus/client_golang/prometheus/testutil"

// ConsistencyWarnings returns the current value of the consistency warnings counter.
func ConsistencyWarnings() float64 {
	return testutil.ToFloat64(consistencyWarningsCounter)
}
