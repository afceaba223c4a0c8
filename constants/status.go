package constants

// ReceiptStatus is the canonical processing status for rows in receipts.
type ReceiptStatus string

// Stable values (store these exact strings in DB).
const (
	StatusUploaded   ReceiptStatus = "uploaded"   // stored, not yet processed
	StatusProcessing ReceiptStatus = "processing" // pipeline running
	StatusCompleted  ReceiptStatus = "completed"  // terminal success
	StatusFailed     ReceiptStatus = "failed"     // terminal failure, error message recorded
)

// IsTerminal reports whether s is a final state. Of the two, only failed
// can be left again, by a fresh processing request; completed is permanent.
func (s ReceiptStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
