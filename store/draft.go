package store

// Draft is per-session unsent input text, written with a debounce
// delay and cleared on successful send or session deletion.
type Draft struct {
	Content   string
	UpdatedTs int64
	SessionID int32
}

type UpsertDraft struct {
	Content   string
	UpdatedTs int64
	SessionID int32
}

type FindDraft struct {
	SessionID int32
}

type DeleteDraft struct {
	SessionID int32
}
