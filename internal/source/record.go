package source

// Record is one member message. Nil fields were absent (or null) in the
// source payload.
type Record struct {
	UserID    *string `json:"user_id,omitempty"`
	UserName  *string `json:"user_name,omitempty"`
	Message   *string `json:"message,omitempty"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// NewRecord builds a Record with every field present.
func NewRecord(userID, userName, message, timestamp string) Record {
	return Record{
		UserID:    &userID,
		UserName:  &userName,
		Message:   &message,
		Timestamp: &timestamp,
	}
}

// Origin tells where a fetched record set came from.
type Origin string

const (
	OriginRemote   Origin = "remote"
	OriginFallback Origin = "fallback"
	OriginNone     Origin = "none"
)

// FallbackRecords returns the fixed example records served when the remote
// source cannot be reached. A fresh slice is returned on every call.
func FallbackRecords() []Record {
	return []Record{
		NewRecord("1", "Layla", "Planning my London trip for June 20th", "2025-06-01"),
		NewRecord("2", "Vikram Desai", "I have 2 cars", "2025-06-02"),
		NewRecord("3", "Amira", "I love Italian and Japanese food", "2025-06-03"),
		NewRecord("4", "Marcus", "I enjoy hiking and swimming", "2025-06-04"),
	}
}
