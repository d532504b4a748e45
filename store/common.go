package store

// RowStatus is the status of a row.
type RowStatus string

const (
	// RowStatusNormal is the status for a normal row.
	RowStatusNormal RowStatus = "NORMAL"
	// RowStatusArchived is the status for an archived row.
	RowStatusArchived RowStatus = "ARCHIVED"
)

func (r RowStatus) String() string {
	return string(r)
}
