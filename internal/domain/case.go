package domain

// Case is a CRM case created for a customer request.
type Case struct {
	ID string `json:"id"`
	// Degraded is set when ID was minted locally because the CRM failed.
	Degraded bool `json:"degraded,omitempty"`
}
