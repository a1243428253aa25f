package model

import "time"

// OutcomeStatus is the three-way classification of an attachment's
// processing result.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeWarning OutcomeStatus = "warning"
	OutcomeFailure OutcomeStatus = "failure"
)

// OutcomeRecord is the structured result emitted per processed
// attachment. Exactly one of the status-specific fields groups is
// meaningful: Success records carry ReportPath/ImageCount, Warning and
// Failure records carry Reason. Records are never mutated after
// creation.
type OutcomeRecord struct {
	ID           string
	Status       OutcomeStatus
	EmailSubject string
	EmailSender  string

	// AttachmentPath is the stored PDF this record describes, when
	// the download succeeded. Failure records keep it so a failed
	// attachment can be reprocessed manually.
	AttachmentPath string

	// ReportPath and ImageCount are set on Success.
	ReportPath string
	ImageCount int

	// DroppedImages counts images lost to decode or normalization
	// failures on an otherwise successful report.
	DroppedImages int

	// Reason describes a Warning or Failure.
	Reason string

	CreatedAt time.Time
}

// CycleResult summarizes one full mailbox cycle.
type CycleResult struct {
	Outcomes    []OutcomeRecord
	EmailsSeen  int
	Attachments int
	Reports     int
	StartedAt   time.Time
	FinishedAt  time.Time
}
