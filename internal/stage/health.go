package stage

// Health summarizes the readiness of one stage processor.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs a Health record carrying the reason the processor
// cannot take work.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Detail: detail}
}
