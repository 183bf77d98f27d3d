package finding

// TopicSyncCompleted is published after every reconciliation pass with an
// Outcome payload.
const TopicSyncCompleted = "finding.sync.completed"
