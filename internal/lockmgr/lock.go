package lockmgr

import (
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/resource"
)

// Lock resources live in their own kind, one per protected entity.
const (
	Group       = "locks.brokerd.io"
	Kind        = "deploymentlocks"
	StateLocked = "LOCKED"
)

// Details identifies what a lock protects and why.
type Details struct {
	ResourceGroup string `json:"resourceGroup"`
	ResourceKind  string `json:"resourceKind"`
	ResourceID    string `json:"resourceId"`
	Operation     string `json:"operation"`
}

// Ref returns the protected resource.
func (d Details) Ref() resource.Ref {
	return resource.Ref{Group: d.ResourceGroup, Kind: d.ResourceKind, ID: d.ResourceID}
}

// Lock is the decoded lock record.
type Lock struct {
	ResourceID string        `json:"resourceId"`
	Details    Details       `json:"lockedResourceDetails"`
	LockTime   time.Time     `json:"lockTime"`
	TTL        time.Duration `json:"lockTTL"`
	Owner      string        `json:"owner"`
	LockID     string        `json:"lockId"`
	// Version is the lock handle.
	Version string `json:"-"`
}

// Expired reports whether the lock has run past its policy TTL at now. The TTL
// is re-derived from the policy rather than trusted from the record.
func (l *Lock) Expired(now time.Time, policy Policy) bool {
	return clock.Expired(now, l.LockTime, policy.GetLockTTL(l.Details.Operation))
}

// LockRef returns the resource reference of the lock record for id.
func LockRef(resourceID string) resource.Ref {
	return resource.Ref{Group: Group, Kind: Kind, ID: resourceID}
}

// FromResource decodes a lock record.
func FromResource(r *resource.Resource) (*Lock, error) {
	if r == nil {
		return nil, fmt.Errorf("lockmgr: nil lock resource")
	}
	if r.Group != Group || r.Kind != Kind {
		return nil, fmt.Errorf("lockmgr: %s is not a lock resource", r.Ref())
	}
	var l Lock
	if err := json.Unmarshal(r.Spec.Options, &l); err != nil {
		return nil, fmt.Errorf("lockmgr: decode lock %s: %w", r.ID, err)
	}
	if l.ResourceID == "" {
		l.ResourceID = r.ID
	}
	l.Version = r.Version
	return &l, nil
}

func (l *Lock) spec() (resource.Spec, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return resource.Spec{}, err
	}
	return resource.Spec{Options: payload}, nil
}
