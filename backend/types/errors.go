package types

// ErrorSubType classifies the structured protocol errors a server reports
// back to clients.
type ErrorSubType string

const (
	// ErrorSubTypeDeleted means the document was deleted by another client.
	// Terminal for the session, never retried.
	ErrorSubTypeDeleted ErrorSubType = "deleted"
	// ErrorSubTypeRollback means the server rewound history past a version
	// the client depended on. The client must re-fetch.
	ErrorSubTypeRollback ErrorSubType = "rollback"
)

// ErrorInfo is the wire shape of a structured protocol error.
type ErrorInfo struct {
	SubType ErrorSubType `json:"subType,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// OTError is a structured protocol error. Use errors.As to detect it and
// resolve it into an error response instead of aborting the connection.
type OTError struct {
	Info ErrorInfo
}

func (e *OTError) Error() string {
	if e.Info.SubType == "" {
		return "ot error: " + e.Info.Detail
	}
	return "ot error (" + string(e.Info.SubType) + "): " + e.Info.Detail
}

// NewDeletedError returns the error reported for operations against a
// deleted document.
func NewDeletedError(detail string) *OTError {
	return &OTError{Info: ErrorInfo{SubType: ErrorSubTypeDeleted, Detail: detail}}
}

// NewRollbackError returns the error reported for op ranges invalidated by
// an administrative rollback.
func NewRollbackError(detail string) *OTError {
	return &OTError{Info: ErrorInfo{SubType: ErrorSubTypeRollback, Detail: detail}}
}
