package models

// HistoryRole tags who produced a conversational turn.
type HistoryRole string

const (
	RoleAgent  HistoryRole = "agent"
	RoleGM     HistoryRole = "gm"
	RoleOracle HistoryRole = "oracle"
)

// HistoryEntry is one turn in a round's rolling conversation window.
type HistoryEntry struct {
	Timestamp int64       `json:"timestamp"`
	AgentID   string      `json:"agentId"`
	AgentName string      `json:"agentName"`
	Text      string      `json:"text"`
	Role      HistoryRole `json:"role"`
}
