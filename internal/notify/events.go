package notify

// Event names used across the engine. Operators list these in the notify
// config to choose which alerts reach them.
const (
	EventRaceLocked     = "race_locked"
	EventRaceSettled    = "race_settled"
	EventRaceCancelled  = "race_cancelled"
	EventRaceRefunded   = "race_refunded"
	EventTransferFailed = "transfer_failed"
	EventMaintenance    = "maintenance"
)
