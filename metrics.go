package busio

import "expvar"

var (
	busMetrics = new(expvar.Map)

	channelsActive     = new(expvar.Int)
	turnsCount         = new(expvar.Int)
	turnTimeoutsCount  = new(expvar.Int)
	queueErrorsCount   = new(expvar.Int)
	timerExpiriesCount = new(expvar.Int)
	eventsCount        = new(expvar.Int)
	bytesReadCount     = new(expvar.Int)
	bytesWrittenCount  = new(expvar.Int)
)

func init() {
	busMetrics.Set("channels_active", channelsActive)
	busMetrics.Set("turns", turnsCount)
	busMetrics.Set("turn_timeouts", turnTimeoutsCount)
	busMetrics.Set("queue_errors", queueErrorsCount)
	busMetrics.Set("timer_expiries", timerExpiriesCount)
	busMetrics.Set("events", eventsCount)
	busMetrics.Set("bytes_read", bytesReadCount)
	busMetrics.Set("bytes_written", bytesWrittenCount)
}

// Metrics returns a map of exported channel metrics for use with the expvar
// package. The map is shared by all channels. The caller is responsible for
// publishing it via expvar.Publish or similar.
func Metrics() *expvar.Map { return busMetrics }
