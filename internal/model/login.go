package model

// Sync status constants for stored login records.
const (
	SyncStatusNew     = "new"
	SyncStatusChanged = "changed"
	SyncStatusSynced  = "synced"
	SyncStatusDeleted = "deleted"
)

// validTransitions maps each sync status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	SyncStatusNew: {
		SyncStatusNew:     true,
		SyncStatusSynced:  true,
		SyncStatusDeleted: true,
	},
	SyncStatusChanged: {
		SyncStatusChanged: true,
		SyncStatusSynced:  true,
		SyncStatusDeleted: true,
	},
	SyncStatusSynced: {
		SyncStatusChanged: true,
		SyncStatusSynced:  true,
		SyncStatusDeleted: true,
	},
	SyncStatusDeleted: {
		SyncStatusSynced: true,
	},
}

// ValidTransition reports whether a record may move from one sync status to another.
// A new record edited before its first upload stays new.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Login is a single saved credential. The JSON shape is the one callers
// receive from list-store-entries.
type Login struct {
	ID                  string `json:"id"`
	Hostname            string `json:"hostname"`
	FormSubmitURL       string `json:"formSubmitURL,omitempty"`
	HTTPRealm           string `json:"httpRealm,omitempty"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	UsernameField       string `json:"usernameField"`
	PasswordField       string `json:"passwordField"`
	TimeCreated         int64  `json:"timeCreated"`
	TimeLastUsed        int64  `json:"timeLastUsed"`
	TimePasswordChanged int64  `json:"timePasswordChanged"`
	TimesUsed           int64  `json:"timesUsed"`
}

// StoredLogin is a Login plus the bookkeeping the store keeps for sync.
// Password holds sealed bytes while the record is at rest.
type StoredLogin struct {
	Login
	SealedPassword []byte
	SyncStatus     string
	ServerModified int64
	// LocalModified is when the record last changed on this device, in Unix
	// milliseconds. For a tombstone it is the deletion time.
	LocalModified int64
}
