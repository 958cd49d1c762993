package audit

import (
	"encoding/json"

	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/redact"
)

// Stage names the part of an action's lifecycle a record describes.
type Stage string

const (
	StageAdmission    Stage = "admission"
	StageExecution    Stage = "execution"
	StageVerification Stage = "verification"
	StageEvent        Stage = "event"
)

const (
	ActorAutomated = "automated"
	ActorOperator  = "operator"
)

// Admission decisions.
const (
	Admitted = "admitted"
	Rejected = "rejected"
)

// Execution statuses.
const (
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
	ExecSkipped   = "skipped"
)

// Admission is the guard's verdict on one action.
type Admission struct {
	Decision  string `json:"decision"`
	Check     string `json:"check,omitempty"`
	Reason    string `json:"reason"`
	Escalated bool   `json:"escalated,omitempty"`
}

// Execution is the single attempt made for an admitted action.
type Execution struct {
	Status     string          `json:"status"`
	Adapter    string          `json:"adapter"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Reason explains a skipped execution, e.g. "dry_run".
	Reason     string          `json:"reason,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Verification is the delayed outcome classification.
type Verification struct {
	Outcome model.Outcome     `json:"outcome"`
	Met     []model.Criterion `json:"met,omitempty"`
	Unmet   []model.Criterion `json:"unmet,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// Event is a loop-level fact not tied to one action (kill switch, cycle errors).
type Event struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Record is one line in the hash-chained JSONL audit log. Several records
// share an entry id; Fold turns them back into an Entry.
// Map-free apart from Action.Params, whose keys json.Marshal sorts, so
// re-marshalling a record is deterministic.
type Record struct {
	Timestamp    string        `json:"ts"`
	EntryID      string        `json:"entry_id"`
	CycleID      string        `json:"cycle_id"`
	Stage        Stage         `json:"stage"`
	Actor        string        `json:"actor"`
	Action       *model.Action `json:"action,omitempty"`
	Admission    *Admission    `json:"admission,omitempty"`
	Execution    *Execution    `json:"execution,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Event        *Event        `json:"event,omitempty"`
	PrevHash     string        `json:"prev_hash"`
}

// Entry is the folded view of every record sharing one entry id.
type Entry struct {
	ID           string        `json:"id"`
	CycleID      string        `json:"cycle_id"`
	Actor        string        `json:"actor"`
	CreatedAt    string        `json:"created_at"`
	Action       model.Action  `json:"action"`
	Admission    *Admission    `json:"admission,omitempty"`
	Execution    *Execution    `json:"execution,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Executed reports whether the entry has a non-skipped execution record.
func (e Entry) Executed() bool {
	return e.Execution != nil && e.Execution.Status != ExecSkipped
}

// Redacted returns a copy for display with credentials masked in the
// execution result and error. The log keeps the result verbatim.
func (e Entry) Redacted() Entry {
	if e.Execution != nil {
		ex := *e.Execution
		ex.Result = redact.JSON(ex.Result)
		ex.Error = redact.String(ex.Error)
		e.Execution = &ex
	}
	return e
}

// Fold groups records into entries, in order of first appearance. Event
// records are not entries and are skipped. Later stages never replace
// earlier ones: the first admission, execution and verification win.
func Fold(records []Record) []Entry {
	index := make(map[string]int)
	var out []Entry
	for _, r := range records {
		if r.Stage == StageEvent || r.EntryID == "" {
			continue
		}
		i, ok := index[r.EntryID]
		if !ok {
			i = len(out)
			index[r.EntryID] = i
			out = append(out, Entry{ID: r.EntryID, CycleID: r.CycleID, Actor: r.Actor, CreatedAt: r.Timestamp})
		}
		e := &out[i]
		if r.Action != nil && e.Action.ID == "" {
			e.Action = *r.Action
		}
		if r.Admission != nil && e.Admission == nil {
			e.Admission = r.Admission
		}
		if r.Execution != nil && e.Execution == nil {
			e.Execution = r.Execution
		}
		if r.Verification != nil && e.Verification == nil {
			e.Verification = r.Verification
		}
	}
	return out
}
