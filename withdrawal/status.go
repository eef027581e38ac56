package withdrawal

// DisplayStatus maps a canonical status to the label shown to users. The
// workflow itself never reads these labels.
func DisplayStatus(flow Flow, status Status) string {
	switch status {
	case StatusApproved:
		if flow == FlowAdmin {
			// approved payouts still await CompletePayout
			return "processing"
		}
		return "paid"
	case StatusCompleted:
		return "paid"
	case StatusPending, StatusInitiated:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	default:
		return string(status)
	}
}
