package busio

import "errors"

// ErrClosed is reported by requests on a Channel that has been closed.
var ErrClosed = errors.New("channel is closed")

// ErrNoBus is returned by a Factory that does not serve the requested bus
// name and address. Find treats it as a signal to try the next factory.
var ErrNoBus = errors.New("no such bus")
