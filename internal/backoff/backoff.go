package backoff

// Policy maps the number of prior failures of a message to the delay, in whole
// seconds, to wait before the next attempt. Policies must be pure: the
// coordinator may call them concurrently and expects the same delay for the
// same attempt every time.
type Policy func(attempt int) int

// Quadratic is the default policy: the first retry happens after one second
// and the delay grows as (attempt+1)^2 afterwards.
func Quadratic(attempt int) int {
	return (attempt + 1) * (attempt + 1)
}

// Constant returns a policy that always waits the same number of seconds.
func Constant(seconds int) Policy {
	return func(int) int { return seconds }
}
