package domain

// CheckpointDiff summarizes the delta between two checkpoints. Deltas are
// signed: diffing a later checkpoint against an earlier one yields the exact
// negation of the forward diff.
type CheckpointDiff struct {
	MessagesAdded  []Message `json:"messages_added"`
	TokensDelta    int       `json:"tokens_delta"`
	IterationDelta int       `json:"iteration_delta"`
}

// DiffStates computes the difference between two agent states. It is a pure
// function of the two states and never mutates either. MessagesAdded holds
// the messages present in b beyond the length of a's message list; it is
// empty when b is not ahead of a.
func DiffStates(a, b *AgentState) CheckpointDiff {
	diff := CheckpointDiff{
		TokensDelta:    b.TotalTokens - a.TotalTokens,
		IterationDelta: b.Iteration - a.Iteration,
	}
	if len(b.Messages) > len(a.Messages) {
		added := b.Messages[len(a.Messages):]
		diff.MessagesAdded = make([]Message, len(added))
		copy(diff.MessagesAdded, added)
	} else {
		diff.MessagesAdded = []Message{}
	}
	return diff
}
