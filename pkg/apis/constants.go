package apis

const (
	// HTTP Response Fields
	RetryAfter = "Retry-After"

	// Self-defined Fields
	Kind    = "kind"
	Status  = "status"
	Refresh = "refresh"
)
