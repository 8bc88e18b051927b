package api

// AccountSummary is one row of the account list. The capitalized JSON
// field names are the external contract consumed by operator tooling.
type AccountSummary struct {
	Username    string `json:"Username"`
	Alias       string `json:"Alias"`
	Description string `json:"Description"`
	Group       string `json:"Group"`
}

type LaunchHistoryEntry struct {
	AttemptID   string `json:"attempt_id"`
	Account     string `json:"account"`
	TargetID    int64  `json:"target_id"`
	ServerID    string `json:"server_id,omitempty"`
	Mode        string `json:"mode"`
	ResultCode  string `json:"result_code"`
	Message     string `json:"message"`
	RequestedAt string `json:"requested_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type StatusResponse struct {
	Status         string `json:"status"`
	Accounts       int    `json:"accounts"`
	LastUsedTarget int64  `json:"last_used_target,omitempty"`
}
