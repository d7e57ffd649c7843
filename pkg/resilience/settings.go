package resilience

import "time"

// BuildSettings turns integer config knobs into Settings, applying defaults
// for anything non-positive.
func BuildSettings(name string, intervalSeconds, timeoutSeconds, failureThreshold, successThreshold int) Settings {
	s := Settings{
		Name:             name,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}

	if intervalSeconds > 0 {
		s.Interval = time.Duration(intervalSeconds) * time.Second
	}
	if timeoutSeconds > 0 {
		s.Timeout = time.Duration(timeoutSeconds) * time.Second
	}
	if failureThreshold > 0 {
		s.FailureThreshold = uint32(failureThreshold)
	}
	if successThreshold > 0 {
		s.SuccessThreshold = uint32(successThreshold)
	}
	return s
}
