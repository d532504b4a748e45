package store

// Contact is a profiled person the user is seeking advice about.
// Contacts are managed elsewhere; the advisor core only reads them.
type Contact struct {
	UID       string
	Name      string
	Alias     string
	Persona   string // profile notes injected into the advisor system prompt
	RowStatus RowStatus
	CreatedTs int64
	UpdatedTs int64
	ID        int32
}

type FindContact struct {
	ID        *int32
	UID       *string
	RowStatus *RowStatus
}
