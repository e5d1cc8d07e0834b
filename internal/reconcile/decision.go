package reconcile

// Action is what a reconciliation has to do to the environment tag
type Action int

const (
	NoOp Action = iota
	CreateTag
	UpdateTag
)

func (a Action) String() string {
	switch a {
	case CreateTag:
		return "create"
	case UpdateTag:
		return "update"
	default:
		return "noop"
	}
}

// TagState is the observed state of an environment tag
type TagState struct {
	Present bool
	SHA     string
}

// Absent is the state of a tag that does not exist
var Absent = TagState{}

// Present returns the state of a tag pointing at sha
func Present(sha string) TagState {
	return TagState{Present: true, SHA: sha}
}

// Decision is the action required to converge the tag onto the tracked
// commit. SHA is the commit the tag must point at afterwards.
type Decision struct {
	Action Action
	SHA    string
}

// Decide compares the tracked branch head against the tag state
func Decide(tracked string, tag TagState) Decision {
	switch {
	case !tag.Present:
		return Decision{Action: CreateTag, SHA: tracked}
	case tag.SHA == tracked:
		return Decision{Action: NoOp, SHA: tracked}
	default:
		return Decision{Action: UpdateTag, SHA: tracked}
	}
}
