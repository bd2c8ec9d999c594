package action

type Action int

const (
	Undecided    Action = iota // 0：no check has run
	Allowed                    // 1：Pass
	Denied                     // 2：Deny, reason may be shown to the caller
	DeniedSilent               // 3：Deny, nothing is shown to the caller
)

func (a Action) String() string {
	switch a {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case DeniedSilent:
		return "denied_silent"
	default:
		return "undecided"
	}
}

// Result is the outcome of an access check. Only Denied results carry a
// caller-visible reason; cause is internal and is only ever logged.
type Result struct {
	action Action
	reason string
	cause  error
}

func Allow() Result {
	return Result{action: Allowed}
}

func Deny(reason string) Result {
	return Result{action: Denied, reason: reason}
}

func DenySilent() Result {
	return Result{action: DeniedSilent}
}

// DenySilentCause records why a silent denial happened without exposing it.
func DenySilentCause(cause error) Result {
	return Result{action: DeniedSilent, cause: cause}
}

// DenyCause is a reported denial with an internal cause attached.
func DenyCause(reason string, cause error) Result {
	return Result{action: Denied, reason: reason, cause: cause}
}

func (r Result) Action() Action {
	return r.action
}

func (r Result) Allowed() bool {
	return r.action == Allowed
}

// Reason returns the caller-visible reason and whether one exists.
func (r Result) Reason() (string, bool) {
	if r.action != Denied {
		return "", false
	}
	return r.reason, true
}

func (r Result) Cause() error {
	return r.cause
}
