package adapter

import "time"

const (
	defaultPollTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	// pollMargin keeps a long poll from being cut off by the client timeout.
	pollMargin = 5 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RequestTimeout bounds every Bot API call, sends included.
	RequestTimeout time.Duration
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return defaultPollTimeout
	}
	return c.PollTimeout
}

// clientTimeout is the HTTP client timeout. Long polls share the client, so
// it never drops below the poll timeout plus pollMargin.
func (c Config) clientTimeout() time.Duration {
	t := c.RequestTimeout
	if t <= 0 {
		t = defaultRequestTimeout
	}
	if floor := c.pollTimeout() + pollMargin; t < floor {
		t = floor
	}
	return t
}
