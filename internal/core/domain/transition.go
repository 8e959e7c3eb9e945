package domain

// ControlAction is a caller-requested lifecycle change.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionCancel ControlAction = "cancel"
)

// Rule returns the statuses an action may start from and the status it leads to.
func (a ControlAction) Rule() (from []DocumentStatus, to DocumentStatus, ok bool) {
	switch a {
	case ActionPause:
		return []DocumentStatus{StatusProcessing}, StatusPaused, true
	case ActionResume:
		return []DocumentStatus{StatusPaused}, StatusProcessing, true
	case ActionCancel:
		return []DocumentStatus{StatusProcessing, StatusPaused}, StatusFailed, true
	default:
		return nil, "", false
	}
}

// ContainsStatus reports whether status is one of set.
func ContainsStatus(set []DocumentStatus, status DocumentStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
