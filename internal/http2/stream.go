package http2

import "golang.org/x/net/http2"

type streamState int

// HTTP/2 stream states as seen by a server.
//
// See http://tools.ietf.org/html/rfc7540#section-5.1.
const (
	stateIdle streamState = iota
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

var stateName = [...]string{
	stateIdle:             "Idle",
	stateOpen:             "Open",
	stateHalfClosedLocal:  "HalfClosedLocal",
	stateHalfClosedRemote: "HalfClosedRemote",
	stateClosed:           "Closed",
}

func (st streamState) String() string {
	return stateName[st]
}

type stream struct {
	id       uint32
	userData interface{}

	remoteEnded bool // END_STREAM received
	localEnded  bool // END_STREAM queued

	sendFlow flow
	recvFlow inflow

	provider DataProvider
	deferred bool

	closing   bool // close queued, OnStreamClose pending
	closeCode http2.ErrCode
}

func (st *stream) state() streamState {
	switch {
	case st.closing:
		return stateClosed
	case st.localEnded && st.remoteEnded:
		return stateClosed
	case st.remoteEnded:
		return stateHalfClosedRemote
	case st.localEnded:
		return stateHalfClosedLocal
	}
	return stateOpen
}
