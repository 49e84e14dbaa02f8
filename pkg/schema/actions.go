package schema

// Audit action names recorded in the ledger.
const (
	ActionInit           = "init"
	ActionCreate         = "create"
	ActionGet            = "get"
	ActionRotate         = "rotate"
	ActionRollbackRotate = "rollback-rotate"
	ActionDelete         = "delete"
	ActionSchedule       = "schedule"
)

// Key types accepted by the sealing engine.
const (
	KeyHost        = "host"
	KeyTPM2        = "tpm2"
	KeyHostAndTPM2 = "host+tpm2"
	KeyAuto        = "auto"
)

// ValidKeyTypes lists every accepted key type in display order.
var ValidKeyTypes = []string{KeyHost, KeyTPM2, KeyHostAndTPM2, KeyAuto}

// Output modes for credential retrieval.
const (
	OutputFile   = "file"
	OutputStdout = "stdout"
)
