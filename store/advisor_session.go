package store

// TitleSource indicates how the session title was created.
// - "default": system default placeholder
// - "derived": derived from the first user message (set exactly once)
// - "user": user-provided title (manual rename)
type TitleSource string

const (
	TitleSourceDefault TitleSource = "default"
	TitleSourceDerived TitleSource = "derived"
	TitleSourceUser    TitleSource = "user"
)

// AdvisorSession is a conversation thread scoped to one contact.
type AdvisorSession struct {
	UID          string
	Title        string
	TitleSource  TitleSource
	RowStatus    RowStatus
	CreatedTs    int64
	UpdatedTs    int64
	ID           int32
	ContactID    int32
	MessageCount int32 // 0 defines an "empty" session eligible for reuse
	Active       bool
	Pinned       bool
}

type FindAdvisorSession struct {
	ID        *int32
	UID       *string
	ContactID *int32
	Pinned    *bool
	Empty     *bool // message_count = 0 when true
	RowStatus *RowStatus
}

type UpdateAdvisorSession struct {
	Title       *string
	TitleSource *TitleSource
	Pinned      *bool
	Active      *bool
	UpdatedTs   *int64
	ID          int32
}

type DeleteAdvisorSession struct {
	ID int32
}
