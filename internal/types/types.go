package types

import "time"

// SubscriptionState is the lifecycle state of a subscription within one run.
type SubscriptionState string

const (
	StateUnknown SubscriptionState = "unknown"
	StateValid   SubscriptionState = "valid"
	StateInvalid SubscriptionState = "invalid"
)

// Subscription is one source URL plus its evaluation outcome.
type Subscription struct {
	URL        string            `json:"url"`
	State      SubscriptionState `json:"state"`
	NodeCount  int               `json:"node_count"`
	FetchError string            `json:"fetch_error,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// FetchFailed reports whether the subscription never returned a payload,
// as opposed to returning one that yielded zero nodes.
func (s Subscription) FetchFailed() bool {
	return s.FetchError != ""
}

// Stats holds aggregate numbers for one evaluation run.
type Stats struct {
	TotalSubscriptions int         `json:"total_subscriptions"`
	ValidSubscriptions int         `json:"valid_subscriptions"`
	TotalNodes         int         `json:"total_nodes"`
	UniqueNodes        int         `json:"unique_nodes"`
	LastRunTime        time.Time   `json:"last_run_time"`
	SourceStats        interface{} `json:"source_stats,omitempty"`
}

// Snapshot is a point-in-time view of the last completed run.
type Snapshot struct {
	Nodes         []string       `json:"nodes"`
	Subscriptions []Subscription `json:"subscriptions"`
	Stats         Stats          `json:"stats"`
	Updated       time.Time      `json:"updated"`
}
