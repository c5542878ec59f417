package rpc

import "time"

// Request outcomes reported to an Observer.
const (
	OutcomeOK             = "ok"
	OutcomeRPCError       = "rpc_error"
	OutcomeTimeout        = "timeout"
	OutcomeConnectionLost = "connection_lost"
	OutcomeCanceled       = "canceled"
	OutcomeSendFailed     = "send_failed"
)

// Observer receives correlator measurements.
type Observer interface {
	ObserveRequest(method, outcome string, latency time.Duration)
	ObservePending(n int)
	ObserveUnmatched()
}

// NopObserver discards measurements.
type NopObserver struct{}

func (NopObserver) ObserveRequest(string, string, time.Duration) {}
func (NopObserver) ObservePending(int)                           {}
func (NopObserver) ObserveUnmatched()                            {}

var _ Observer = NopObserver{}
