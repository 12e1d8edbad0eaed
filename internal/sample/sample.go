package sample

import "time"

// Actions recorded by guns. Protocol specific guns may add their own.
const (
	ActionOverall       = "overall"
	ActionRequest       = "request"
	ActionResponseStart = "response_start"
	ActionResponse      = "response"
	ActionConnect       = "connect"
)

// Task is one scheduled unit of work: a planned send offset and a payload.
type Task struct {
	ScheduledAt time.Duration // offset from test start
	PlannedAt   time.Time     // absolute send instant, set by the executor
	Group       string        // runner name
	Marker      string
	Payload     any
}

// Sample is a single measurement produced by a gun.
type Sample struct {
	SentAt        int64  // unix seconds of the measurement start
	Group         string // runner name
	Marker        string
	ResponseTime  int64 // microseconds
	Error         bool
	Code          string // protocol specific; empty when unknown
	ScheduleDelay int64  // microseconds between planned and actual start
	Scenario      string
	Action        string
	Extra         map[string]any
}

// Sink receives samples. Implementations must be safe for concurrent use.
type Sink interface {
	Put(Sample)
}

// Chan is a Sink backed by a channel. Put blocks while the channel is full.
type Chan chan Sample

func (c Chan) Put(s Sample) { c <- s }

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Sample)

func (f SinkFunc) Put(s Sample) { f(s) }

// Discard drops every sample.
var Discard Sink = SinkFunc(func(Sample) {})
