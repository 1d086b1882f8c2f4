package documents

// AggregateStatus derives the document status from its signers: completed
// iff every signer completed, partial iff some but not all did.
func AggregateStatus(statuses []SignerStatus) Status {
	completed := 0
	for _, status := range statuses {
		if status == SignerCompleted {
			completed++
		}
	}
	switch {
	case len(statuses) > 0 && completed == len(statuses):
		return StatusCompleted
	case completed > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

func signerStatuses(signers []Signer) []SignerStatus {
	statuses := make([]SignerStatus, 0, len(signers))
	for _, signer := range signers {
		statuses = append(statuses, signer.Status)
	}
	return statuses
}
