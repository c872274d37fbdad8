package board

import (
	"github.com/Active-Apparel-Group/ordersync/internal/model"
)

// Operation identifies one remote mutation kind.
type Operation string

const (
	OpCreateGroup     Operation = "CREATE_GROUP"
	OpCreateItem      Operation = "CREATE_ITEM"
	OpCreateSubitem   Operation = "CREATE_SUBITEM"
	OpUpdateItem      Operation = "UPDATE_ITEM"
	OpUpdateSubitem   Operation = "UPDATE_SUBITEM"
	OpBatchCreateItem Operation = "BATCH_CREATE_ITEM"
)

// maxBatch is the per-operation batch ceiling. Updates carry no per-item
// attribution on this API, so they never batch: a multi-record update call
// must fail whole and leave item-level fallback to the caller.
var maxBatch = map[Operation]int{
	OpCreateGroup:     1,
	OpCreateItem:      1,
	OpCreateSubitem:   5,
	OpUpdateItem:      1,
	OpUpdateSubitem:   1,
	OpBatchCreateItem: 50,
}

// MaxBatch returns the largest record count one call of the operation accepts.
func MaxBatch(op Operation) int {
	if n, ok := maxBatch[op]; ok {
		return n
	}
	return 1
}

// mutationField returns the remote mutation field for the operation.
func mutationField(op Operation) string {
	switch op {
	case OpCreateGroup:
		return "create_group"
	case OpCreateItem, OpBatchCreateItem:
		return "create_item"
	case OpCreateSubitem:
		return "create_subitem"
	case OpUpdateItem:
		return "update_item"
	case OpUpdateSubitem:
		return "update_subitem"
	}
	return ""
}

// Record is one resource payload to submit: the display name plus whichever
// reference the operation needs (group for item creates, parent item for
// subitem creates, item id for updates).
type Record struct {
	Name     string
	GroupID  string // create_item / batch create: target group
	ItemID   string // updates: external id of the item
	ParentID string // create_subitem: external id of the owning item
	Payload  model.FieldPayload
}

// Request is one Execute call: a single record or an ordered list submitted
// as one remote request with positionally-aliased sub-operations.
type Request struct {
	Op      Operation
	Records []Record
	DryRun  bool
}

// ItemOutcome is the per-record verdict of a call, index-aligned with the
// request's records.
type ItemOutcome struct {
	Index      int
	ExternalID string
	Err        *model.Error
}

// Succeeded reports whether the record got an external id.
func (o ItemOutcome) Succeeded() bool { return o.Err == nil && o.ExternalID != "" }

// Result is the normalized outcome of one Execute call. Expected failures
// land here as coded errors; Execute returns a non-nil error only for
// programmer mistakes.
type Result struct {
	Success     bool
	ExternalIDs []string // alias order; empty string where the sub-operation failed
	PerItem     []ItemOutcome
	Err         *model.Error // batch-level error when the whole call failed
	Diagnostic  model.Diagnostic
}

// --- Wire envelope ---

type apiRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type apiEnvelope struct {
	Data   map[string]aliasPayload `json:"data"`
	Errors []apiErrorBody          `json:"errors"`
}

type aliasPayload struct {
	ID string `json:"id"`
}

type apiErrorBody struct {
	Message    string   `json:"message"`
	Code       string   `json:"code"`
	RetryAfter int      `json:"retry_after,omitempty"` // seconds
	Path       []string `json:"path,omitempty"`        // failing alias, when attributable
}

// Remote error codes observed on the errors array.
const (
	remoteRateLimited   = "RATE_LIMITED"
	remoteInternal      = "INTERNAL_SERVER_ERROR"
	remoteInvalidValue  = "INVALID_VALUE"
	remoteMissingField  = "MISSING_REQUIRED_FIELD"
	remoteNotFound      = "RESOURCE_NOT_FOUND"
	remoteInvalidColumn = "INVALID_COLUMN"
)

// mapRemoteCode folds a remote error code into the sync taxonomy.
func mapRemoteCode(code string) (string, bool) {
	switch code {
	case remoteRateLimited:
		return model.CodeRateLimited, true
	case remoteInternal:
		return model.CodeConnection, true
	case remoteInvalidValue, remoteMissingField, remoteNotFound, remoteInvalidColumn:
		return model.CodeValidation, false
	case "":
		return model.CodeUnknown, false
	}
	return model.CodeValidation, false
}
