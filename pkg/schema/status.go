package schema

// Status is the internal engine status of a plan or node execution.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusApprovalWaiting     Status = "APPROVAL_WAITING"
	StatusResourceWaiting     Status = "RESOURCE_WAITING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusAborted             Status = "ABORTED"
	StatusExpired             Status = "EXPIRED"
	StatusSkipped             Status = "SKIPPED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusSuspended           Status = "SUSPENDED"
	StatusApprovalRejected    Status = "APPROVAL_REJECTED"
	StatusNoOp                Status = "NO_OP"
)

var finalStatuses = map[Status]bool{
	StatusSucceeded:        true,
	StatusFailed:           true,
	StatusErrored:          true,
	StatusAborted:          true,
	StatusExpired:          true,
	StatusSkipped:          true,
	StatusIgnoreFailed:     true,
	StatusSuspended:        true,
	StatusApprovalRejected: true,
}

// IsFinal reports whether the status is terminal.
func (s Status) IsFinal() bool {
	return finalStatuses[s]
}

// ExecutionStatus is the user-facing status shown on summaries and graphs.
type ExecutionStatus string

const (
	ExecutionStatusNotStarted          ExecutionStatus = "NotStarted"
	ExecutionStatusQueued              ExecutionStatus = "Queued"
	ExecutionStatusRunning             ExecutionStatus = "Running"
	ExecutionStatusAsyncWaiting        ExecutionStatus = "AsyncWaiting"
	ExecutionStatusTaskWaiting         ExecutionStatus = "TaskWaiting"
	ExecutionStatusTimedWaiting        ExecutionStatus = "TimedWaiting"
	ExecutionStatusInterventionWaiting ExecutionStatus = "InterventionWaiting"
	ExecutionStatusApprovalWaiting     ExecutionStatus = "ApprovalWaiting"
	ExecutionStatusResourceWaiting     ExecutionStatus = "ResourceWaiting"
	ExecutionStatusPausing             ExecutionStatus = "Pausing"
	ExecutionStatusPaused              ExecutionStatus = "Paused"
	ExecutionStatusDiscontinuing       ExecutionStatus = "Discontinuing"
	ExecutionStatusSuccess             ExecutionStatus = "Success"
	ExecutionStatusFailed              ExecutionStatus = "Failed"
	ExecutionStatusErrored             ExecutionStatus = "Errored"
	ExecutionStatusAborted             ExecutionStatus = "Aborted"
	ExecutionStatusExpired             ExecutionStatus = "Expired"
	ExecutionStatusSkipped             ExecutionStatus = "Skipped"
	ExecutionStatusIgnoreFailed        ExecutionStatus = "IgnoreFailed"
	ExecutionStatusSuspended           ExecutionStatus = "Suspended"
	ExecutionStatusApprovalRejected    ExecutionStatus = "ApprovalRejected"
)

var executionStatusByStatus = map[Status]ExecutionStatus{
	StatusQueued:              ExecutionStatusQueued,
	StatusRunning:             ExecutionStatusRunning,
	StatusAsyncWaiting:        ExecutionStatusAsyncWaiting,
	StatusTaskWaiting:         ExecutionStatusTaskWaiting,
	StatusTimedWaiting:        ExecutionStatusTimedWaiting,
	StatusInterventionWaiting: ExecutionStatusInterventionWaiting,
	StatusApprovalWaiting:     ExecutionStatusApprovalWaiting,
	StatusResourceWaiting:     ExecutionStatusResourceWaiting,
	StatusPausing:             ExecutionStatusPausing,
	StatusPaused:              ExecutionStatusPaused,
	StatusDiscontinuing:       ExecutionStatusDiscontinuing,
	StatusSucceeded:           ExecutionStatusSuccess,
	StatusFailed:              ExecutionStatusFailed,
	StatusErrored:             ExecutionStatusErrored,
	StatusAborted:             ExecutionStatusAborted,
	StatusExpired:             ExecutionStatusExpired,
	StatusSkipped:             ExecutionStatusSkipped,
	StatusIgnoreFailed:        ExecutionStatusIgnoreFailed,
	StatusSuspended:           ExecutionStatusSuspended,
	StatusApprovalRejected:    ExecutionStatusApprovalRejected,
}

// ExecutionStatusFor maps an internal status to its user-facing value.
// Unknown and empty statuses map to NotStarted.
func ExecutionStatusFor(s Status) ExecutionStatus {
	if es, ok := executionStatusByStatus[s]; ok {
		return es
	}
	return ExecutionStatusNotStarted
}

// IsFinal reports whether the user-facing status is terminal.
func (s ExecutionStatus) IsFinal() bool {
	for st, es := range executionStatusByStatus {
		if es == s {
			return st.IsFinal()
		}
	}
	return false
}
