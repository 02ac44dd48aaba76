package notify

// Event types the risk engine emits. notify.events in the config filters on
// these names.
const (
	EventStartup             = "startup"
	EventDecayAlert          = "decay_alert"
	EventFirefightAlert      = "firefight_alert"
	EventButterflyConversion = "butterfly_conversion"
	EventStopLoss            = "stop_loss"
	EventExitCompleted       = "exit_completed"
	EventExitFailed          = "exit_failed"
	EventPositionOpened      = "position_opened"
	EventPositionRolled      = "position_rolled"
	EventManualOverride      = "manual_override"
)
