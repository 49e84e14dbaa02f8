package audit

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// HashVersion is the current entry hashing scheme: SHA-256 over the
// canonical JSON of the record with entry_hash removed. Records without a
// hash_version predate hashing and are chained by a digest of their raw line.
const HashVersion = 2

// Result is the outcome of the audited operation.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Record is one immutable ledger line. Every field after Credential is
// optional so older and newer record shapes decode into the same struct.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	Credential     string    `json:"credential"`
	MetadataOnly   bool      `json:"metadata_only"`
	PrevHash       string    `json:"prev_hash,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	OutputMode     string    `json:"output_mode,omitempty"`
	TargetPath     string    `json:"target_path,omitempty"`
	WithKey        string    `json:"with_key,omitempty"`
	TPM2PCRs       string    `json:"tpm2_pcrs,omitempty"`
	ServiceContext string    `json:"service_context,omitempty"`
	InvocationID   string    `json:"invocation_id,omitempty"`
	EntryHash      string    `json:"entry_hash,omitempty"`
	HashVersion    int       `json:"hash_version,omitempty"`
}

var errMissingCore = errors.New("record lacks timestamp or action")

// UnmarshalJSON applies the metadata_only default (true) for records that
// omit it and rejects lines without the core fields.
func (r *Record) UnmarshalJSON(b []byte) error {
	rec, complete, err := decodeRecord(b)
	if err != nil {
		return err
	}
	if !complete {
		return errMissingCore
	}
	*r = rec
	return nil
}

// decodeRecord decodes a ledger line without insisting on the core fields.
// complete reports whether timestamp and action are both set.
func decodeRecord(b []byte) (rec Record, complete bool, err error) {
	type plain Record
	p := plain{MetadataOnly: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return Record{}, false, err
	}
	return Record(p), !p.Timestamp.IsZero() && p.Action != "", nil
}

// chained reports whether the record carries any hash-chain field.
func (r Record) chained() bool {
	return r.HashVersion != 0 || r.EntryHash != "" || r.PrevHash != ""
}

// NewRecord starts a record for action on credential. Timestamp, actor and
// hashes are filled in by Ledger.Append.
func NewRecord(action, credential string) Record {
	return Record{Action: action, Credential: credential, MetadataOnly: true}
}

// WithOutcome sets the result from an operation error.
func (r Record) WithOutcome(err error) Record {
	res := &Result{Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	r.Result = res
	return r
}

// Failed reports whether the record carries an unsuccessful result.
func (r Record) Failed() bool {
	return r.Result != nil && !r.Result.Success
}

// DetectActor names the invoking operator: "<user>(sudo)" when run through
// sudo, else $USER, else "unknown".
func DetectActor() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u + "(sudo)"
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
