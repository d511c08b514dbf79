package reprl

import "fmt"

// FetchFuzzout returns the content the child wrote to its fuzzout channel
// during the most recent execution.
func (c *Context) FetchFuzzout() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.FetchContent()
}

// FetchStdout returns the child's captured stdout from the most recent
// execution. Only meaningful if Initialize was called with captureStdout.
func (c *Context) FetchStdout() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout == nil {
		return "", nil
	}
	return c.stdout.FetchContent()
}

// FetchStderr returns the child's captured stderr from the most recent
// execution. Only meaningful if Initialize was called with captureStderr.
func (c *Context) FetchStderr() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr == nil {
		return "", nil
	}
	return c.stderr.FetchContent()
}

// FetchChannel returns the content of the channel inherited by the child at
// descriptor fd: one of the three fixed channels (childDataOut, 1, 2) or an
// extra channel registered with CreateAdditionalChannel. This generalizes
// FetchFuzzout/FetchStdout/FetchStderr for callers (e.g. the harness's
// crash reporter) that want to iterate over whichever channels happen to
// be configured rather than hard-coding three accessors.
func (c *Context) FetchChannel(fd int) (string, error) {
	switch fd {
	case childDataOut:
		return c.FetchFuzzout()
	case 1:
		return c.FetchStdout()
	case 2:
		return c.FetchStderr()
	}

	c.mu.Lock()
	ch, ok := c.additional[fd]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("reprl: no channel registered at fd %d", fd)
	}
	return ch.FetchContent()
}
