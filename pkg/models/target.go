package models

// LinkedTarget is a local device together with the remote agents linked to
// it. AgentIDs are manager agent ids; ProfileID selects the indexer.
type LinkedTarget struct {
	Device    Device   `json:"device"`
	ProfileID int64    `json:"profile_id"`
	AgentIDs  []string `json:"agent_ids"`
}
