package api

import "time"

// ABStatus is the lifecycle state of an A/B comparison.
type ABStatus string

const (
	ABInProgress    ABStatus = "IN_PROGRESS"
	ABCompleted     ABStatus = "COMPLETED"
	ABPrimaryFailed ABStatus = "PRIMARY_FAILED"
	ABShadowFailed  ABStatus = "SHADOW_FAILED"
	ABBothFailed    ABStatus = "BOTH_FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ABStatus) IsTerminal() bool {
	return s != ABInProgress && s != ""
}

// ABTestResult compares one primary and one shadow engine run for the same request.
// Output fields are nil until the respective side has finished successfully.
type ABTestResult struct {
	TraceID       string `json:"traceId"`
	SessionID     string `json:"sessionId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	PrimaryEngine string `json:"primaryEngine"`
	ShadowEngine  string `json:"shadowEngine"`

	PrimaryOutput *string `json:"primaryOutput,omitempty"`
	ShadowOutput  *string `json:"shadowOutput,omitempty"`
	PrimaryError  string  `json:"primaryError,omitempty"`
	ShadowError   string  `json:"shadowError,omitempty"`

	PrimaryTTFTMillis     int64 `json:"primaryTtftMs"`
	ShadowTTFTMillis      int64 `json:"shadowTtftMs"`
	PrimaryDurationMillis int64 `json:"primaryDurationMs"`
	ShadowDurationMillis  int64 `json:"shadowDurationMs"`
	PrimaryTokens         int   `json:"primaryTokens"`
	ShadowTokens          int   `json:"shadowTokens"`

	Status      ABStatus   `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand out while the original is still mutated.
func (r *ABTestResult) Clone() *ABTestResult {
	c := *r
	if r.PrimaryOutput != nil {
		s := *r.PrimaryOutput
		c.PrimaryOutput = &s
	}
	if r.ShadowOutput != nil {
		s := *r.ShadowOutput
		c.ShadowOutput = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
