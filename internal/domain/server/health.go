package server

// HealthStatus describes the observed health of an egress node.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnreachable HealthStatus = "unreachable"
)

func (h HealthStatus) String() string {
	return string(h)
}

func (h HealthStatus) IsValid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnreachable:
		return true
	}
	return false
}
