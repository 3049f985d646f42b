package busio

// An Intent is the single pending operation a Channel is executing.
type Intent int32

// Channel intents.
const (
	IntentNone Intent = iota
	IntentLock
	IntentWrite
	IntentRead
	IntentAsyncRead
	IntentAsyncReadMore
	IntentAsyncReadCancelled
	IntentReceiveEvent
	IntentConnect
	IntentDisconnect
)

var intentStr = [...]string{
	IntentNone:               "None",
	IntentLock:               "Lock",
	IntentWrite:              "Write",
	IntentRead:               "Read",
	IntentAsyncRead:          "AsyncRead",
	IntentAsyncReadMore:      "AsyncReadMore",
	IntentAsyncReadCancelled: "AsyncReadCancelled",
	IntentReceiveEvent:       "ReceiveEvent",
	IntentConnect:            "Connect",
	IntentDisconnect:         "Disconnect",
}

func (i Intent) String() string {
	if i >= 0 && int(i) < len(intentStr) {
		return intentStr[i]
	}
	return "Invalid"
}
