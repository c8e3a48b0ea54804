package backups

// Detect reports whether an incoming write conflicts with the stored version.
//
// Ciphertext cannot be compared, so only the (updatedAt, deviceID) pair is consulted:
// an identical timestamp is a resend, the same device is causally ordered and wins,
// anything else is treated as a concurrent edit. Concurrent edits from two devices are
// therefore never dropped, at the price of flagging some benign ones.
func Detect(candidate BackupCandidate, existing Backup) bool {
	switch {
	case candidate.UpdatedAt().Micros() == existing.UpdatedAtMicros:
		return false
	case candidate.DeviceID().String() == existing.DeviceID:
		return false
	default:
		return true
	}
}
