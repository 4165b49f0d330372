package hop

import "fmt"

// State is a step of the per-request state machine. States only advance;
// Failed is terminal and reachable from any other state.
type State uint8

const (
	Received State = iota
	Decoded
	Decrypted
	Parsed
	Routed
	Dispatched
	ResponseReceived
	Finalized
	Failed
)

var stateNames = [...]string{
	Received:         "received",
	Decoded:          "decoded",
	Decrypted:        "decrypted",
	Parsed:           "parsed",
	Routed:           "routed",
	Dispatched:       "dispatched",
	ResponseReceived: "response-received",
	Finalized:        "finalized",
	Failed:           "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}
