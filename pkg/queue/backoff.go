package queue

import "time"

// maxBackoffShift caps the exponent so exponential delays cannot overflow a
// time.Duration even with absurd attempt counts.
const maxBackoffShift = 20

// NextRetryDelay computes the delay before the next attempt of a job that
// just failed, from its backoff policy and the attempt count observed by the
// lease-holder (1-based: the first execution runs as attempt 1).
//
// Policies: fixed yields a constant delay; exponential yields
// delay * 2^(attempts-1); linear yields delay * attempts. Drivers that do
// not support linear backoff (see Capabilities.LinearBackoff) degrade it to
// fixed rather than silently approximating it.
func NextRetryDelay(typ BackoffType, delay time.Duration, attempts int, caps Capabilities) time.Duration {
	if delay <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	switch typ {
	case BackoffExponential:
		shift := attempts - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return delay * (1 << shift)
	case BackoffLinear:
		if !caps.LinearBackoff {
			return delay
		}
		return delay * time.Duration(attempts)
	default:
		return delay
	}
}
