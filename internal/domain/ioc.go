package domain

import "time"

// IOCType classifies an indicator of compromise.
type IOCType string

// IOC types.
const (
	IOCTypeIP      IOCType = "ip"
	IOCTypeEmail   IOCType = "email"
	IOCTypeDomain  IOCType = "domain"
	IOCTypeURL     IOCType = "url"
	IOCTypeHash    IOCType = "hash"
	IOCTypeSubject IOCType = "subject"
	IOCTypeOther   IOCType = "other"
)

// IsValid checks if the IOC type is valid.
func (t IOCType) IsValid() bool {
	switch t {
	case IOCTypeIP, IOCTypeEmail, IOCTypeDomain, IOCTypeURL,
		IOCTypeHash, IOCTypeSubject, IOCTypeOther:
		return true
	}
	return false
}

// IOCSource records where an indicator came from.
type IOCSource string

// IOC sources.
const (
	IOCSourceInternal IOCSource = "internal"
	IOCSourceExternal IOCSource = "external"
)

// IsValid checks if the IOC source is valid.
func (s IOCSource) IsValid() bool {
	return s == IOCSourceInternal || s == IOCSourceExternal
}

// IOC is an indicator of compromise, unique by (type, value), shared across
// the incidents it is linked to.
type IOC struct {
	ID              string    `json:"id"`
	Type            IOCType   `json:"type"`
	Value           string    `json:"value"`
	Description     string    `json:"description,omitempty"`
	Source          IOCSource `json:"source"`
	ConfidenceScore int       `json:"confidence_score"`
	IsBlocked       bool      `json:"is_blocked"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
