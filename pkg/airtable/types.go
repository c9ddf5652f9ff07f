package airtable

import (
	"fmt"
	"strings"
)

// Status values written to the accounts table. The table is the durable
// record of what happened to each account, so these strings are load-bearing
// and must match what operators filter on.
const (
	StatusUnused          = "Unused"
	StatusReadyForLogin   = "Ready for Login"
	StatusAssigned        = "Assigned"
	StatusLoginInProgress = "Login In Progress"
	StatusLoggedInActive  = "Logged In - Active"
	StatusBanned          = "Banned"
	StatusIncorrectPW     = "Login Failed - Incorrect PW"
	StatusUnknownState    = "Login Failed - Unknown State"
	StatusWarmupFailed    = "Warmup Failed"
	StatusCriticalError   = "Critical Error"
	StatusMissingCreds    = "Missing Credentials"
)

// FieldStatus is the mutable status column; FieldLoggedIn is the boolean set
// once a login has been verified.
const (
	FieldStatus   = "Status"
	FieldLoggedIn = "Logged In?"
)

// Account is one normalized row of the accounts table.
type Account struct {
	RecordID      string
	Username      string
	Password      string
	PackageName   string
	DeviceID      string
	EmailAddress  string
	EmailPassword string
	Status        string
}

// record is the wire shape of an Airtable row.
type record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type recordList struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// flattenField normalizes a spreadsheet cell: linked-record cells arrive as
// lists (take the first element), strings are trimmed, anything else is
// stringified. Empty cells become "".
func flattenField(v any) string {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// accountFromRecord normalizes a raw row into an Account.
func accountFromRecord(r record) *Account {
	return &Account{
		RecordID:      r.ID,
		Username:      flattenField(r.Fields["Account"]),
		Password:      flattenField(r.Fields["Password"]),
		PackageName:   flattenField(r.Fields["Package Name"]),
		DeviceID:      flattenField(r.Fields["Device ID"]),
		EmailAddress:  flattenField(r.Fields["Email"]),
		EmailPassword: flattenField(r.Fields["Email Password"]),
		Status:        flattenField(r.Fields[FieldStatus]),
	}
}

// MissingFields reports which of the credentials a login run cannot proceed
// without are empty.
func (a *Account) MissingFields() []string {
	var missing []string
	if a.Username == "" {
		missing = append(missing, "Account")
	}
	if a.Password == "" {
		missing = append(missing, "Password")
	}
	if a.PackageName == "" {
		missing = append(missing, "Package Name")
	}
	if a.DeviceID == "" {
		missing = append(missing, "Device ID")
	}
	return missing
}
