package h2mux

import (
	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/sample"
)

type state int

const (
	stateStarted state = iota
	stateRequestSent
	stateHeaderReceived
	stateResponseEnd
	stateError
)

func (s state) String() string {
	switch s {
	case stateStarted:
		return "STARTED"
	case stateRequestSent:
		return "REQUEST_SENT"
	case stateHeaderReceived:
		return "HEADER_RECEIVED"
	case stateResponseEnd:
		return "RESPONSE_END"
	case stateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// stream is the handler of one request on a session. Its callbacks are the
// only code that touches its StopWatch, and each phase transition emits
// exactly one sample.
type stream struct {
	id       uint32
	task     sample.Task
	scenario string
	out      sample.Sink

	state  state
	watch  *sample.StopWatch
	status string
	length int64
	err    error

	// flushMark is the session write offset at which the request frames
	// have reached the socket.
	flushMark int64

	// request body not yet sent and the peer's window for this stream
	body   []byte
	window int64
}

func newStream(id uint32, task sample.Task, scenario string, out sample.Sink) *stream {
	st := &stream{id: id, task: task, scenario: scenario, out: out}
	st.watch = st.newWatch(sample.ActionRequest)
	return st
}

func (st *stream) newWatch(action string) *sample.StopWatch {
	w := sample.NewStopWatch(st.task, action)
	w.Scenario = st.scenario
	return w
}

func (st *stream) emit() {
	st.out.Put(st.watch.Sample())
}

func (st *stream) finished() bool {
	return st.state == stateResponseEnd || st.state == stateError
}

func (st *stream) failed() bool {
	return st.state == stateError
}

func (st *stream) onRequestSent() {
	if st.state != stateStarted {
		return
	}
	st.emit()
	st.watch = st.newWatch(sample.ActionResponseStart)
	st.state = stateRequestSent
}

func (st *stream) onHeaders(status string) {
	switch st.state {
	case stateStarted:
		st.onRequestSent()
	case stateRequestSent:
	default:
		return
	}
	st.watch.SetCode(status)
	st.emit()

	st.watch = st.newWatch(sample.ActionResponse)
	st.watch.SetCode(status)
	st.status = status
	st.length = 0
	st.state = stateHeaderReceived
}

func (st *stream) onData(n int) {
	if st.state == stateHeaderReceived {
		st.length += int64(n)
	}
}

func (st *stream) onEnd() {
	if st.finished() {
		return
	}
	if st.state != stateHeaderReceived {
		st.onError(&gun.CodedError{Code: "PROTOCOL_ERROR", Err: errNoHeaders})
		return
	}
	st.watch.Extra["length"] = st.length
	st.emit()
	st.state = stateResponseEnd
}

func (st *stream) onError(err error) {
	if st.finished() {
		return
	}
	st.watch.SetError(gun.ErrorCode(err))
	st.watch.Extra["error"] = err.Error()
	if st.state == stateHeaderReceived {
		st.watch.Extra["length"] = st.length
	}
	st.emit()
	st.err = err
	st.state = stateError
}
