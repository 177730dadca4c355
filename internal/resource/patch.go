package resource

import (
	"encoding/json"
	"time"
)

// Patch is a partial update of annotations and status. Zero-valued fields are
// left untouched.
type Patch struct {
	// Annotations are merged into the resource; an empty value removes the
	// annotation.
	Annotations    map[string]string
	State          string
	Response       json.RawMessage
	Error          *ErrorPayload
	ClearError     bool
	StartedAt      *time.Time
	AbortStartTime *time.Time
}

// StatePatch returns a patch that only sets status.state.
func StatePatch(state string) Patch {
	return Patch{State: state}
}

// ClaimPatch sets or, with an empty owner, clears the claimant annotation.
func ClaimPatch(owner string) Patch {
	return Patch{Annotations: map[string]string{AnnotationClaimedBy: owner}}
}

// Apply mutates r in place.
func (p Patch) Apply(r *Resource) {
	for k, v := range p.Annotations {
		if v == "" {
			delete(r.Annotations, k)
			continue
		}
		if r.Annotations == nil {
			r.Annotations = make(map[string]string, len(p.Annotations))
		}
		r.Annotations[k] = v
	}
	if len(r.Annotations) == 0 {
		r.Annotations = nil
	}
	if p.State != "" {
		r.Status.State = p.State
	}
	if p.Response != nil {
		r.Status.Response = cloneRaw(p.Response)
	}
	if p.ClearError {
		r.Status.Error = nil
	}
	if p.Error != nil {
		e := *p.Error
		r.Status.Error = &e
	}
	if p.StartedAt != nil {
		r.Status.StartedAt = cloneTime(p.StartedAt)
	}
	if p.AbortStartTime != nil {
		r.Status.AbortStartTime = cloneTime(p.AbortStartTime)
	}
}

// PatchOutcome tags the result of PatchIfVersion.
type PatchOutcome int

const (
	// Patched means the conditional write succeeded.
	Patched PatchOutcome = iota + 1
	// Conflict means the resource moved past the supplied version.
	Conflict
	// NotFound means the resource no longer exists.
	NotFound
)

func (o PatchOutcome) String() string {
	switch o {
	case Patched:
		return "patched"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// PatchResult is returned by PatchIfVersion. Resource is set only when the
// outcome is Patched.
type PatchResult struct {
	Outcome  PatchOutcome
	Resource *Resource
}
