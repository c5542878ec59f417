package subscription

// Observer receives registry and router measurements.
type Observer interface {
	ObserveTransition(target Target, from, to State)
	ObserveRetry(target Target)
	ObserveDelivered(target Target)
	ObserveStale(target Target)
	ObserveDecodeFailure(target Target)
	ObserveUnknown()
	ObserveDropped(target Target)
}

// NopObserver discards measurements.
type NopObserver struct{}

func (NopObserver) ObserveTransition(Target, State, State) {}
func (NopObserver) ObserveRetry(Target)                    {}
func (NopObserver) ObserveDelivered(Target)                {}
func (NopObserver) ObserveStale(Target)                    {}
func (NopObserver) ObserveDecodeFailure(Target)            {}
func (NopObserver) ObserveUnknown()                        {}
func (NopObserver) ObserveDropped(Target)                  {}

var _ Observer = NopObserver{}
