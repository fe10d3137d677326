package execution

import "time"

// Record is the persisted state of one execution attempt. Stores keep one
// record per execution id; recovery supersedes a crashed attempt by marking
// its record RESTARTED and creating a fresh one.
type Record struct {
	ID       string `json:"id"`
	FlowID   string `json:"flowId"`
	ParentID string `json:"parentId,omitempty"`
	Depth    int    `json:"depth"`

	Status Status `json:"status"`
	// Error holds the failure reason once Status is FAILED.
	Error string `json:"error,omitempty"`

	Options     Options  `json:"options"`
	Breakpoints []string `json:"breakpoints,omitempty"`
	ChildIDs    []string `json:"childIds,omitempty"`

	// OwnerID is the worker currently holding the execution lease.
	OwnerID string `json:"ownerId,omitempty"`
	// LeaseUntil is the lease expiry; a past value marks the execution
	// orphaned and eligible for reclaim.
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Breakpoints = append([]string(nil), r.Breakpoints...)
	cp.ChildIDs = append([]string(nil), r.ChildIDs...)
	return &cp
}
