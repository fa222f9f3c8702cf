package logqueue

// Health is the queue's belief about collector reachability
type Health int

const (
	// HealthUnknown means the next flush must check health before delivering
	HealthUnknown Health = iota
	HealthOnline
	HealthOffline
)

func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthOnline:
		return "online"
	case HealthOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// healthAfter returns the state following a delivery or health check outcome
func healthAfter(ok bool) Health {
	if ok {
		return HealthOnline
	}
	return HealthOffline
}
