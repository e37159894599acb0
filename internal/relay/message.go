package relay

import (
	"time"

	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/platform"
	"github.com/concord-relay/concord/internal/registry"
)

// GroupMessage correlates one relayed copy with the message it came from.
type GroupMessage struct {
	// MessageID is the id of the relayed copy.
	MessageID string
	Registry  *registry.Registry
	GroupID   string
	// OriginalChannelID and OriginalMessageID are empty for payloads that
	// did not come from a chat message.
	OriginalChannelID string
	OriginalMessageID string
	// Batch groups the siblings of one fan-out. It is the original message
	// id when there is one; platform message ids are unique across channels,
	// and lookups by message also check OriginalChannelID.
	Batch     string
	CreatedAt time.Time
}

// HasParent reports whether the copy was relayed from a chat message.
func (m *GroupMessage) HasParent() bool {
	return m.OriginalMessageID != "" && m.OriginalChannelID != ""
}

// Origin is the channel and message a relayed copy came from.
type Origin struct {
	ChannelID string
	MessageID string
}

// Result is the outcome of one target in a fan-out.
type Result struct {
	Registry *registry.Registry
	Message  *platform.Message
	Err      error
}

// OK reports whether the target succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Failed returns the failed results.
func Failed(results []Result) []Result {
	return lo.Filter(results, func(r Result, _ int) bool { return r.Err != nil })
}

// Succeeded returns the successful results.
func Succeeded(results []Result) []Result {
	return lo.Filter(results, func(r Result, _ int) bool { return r.Err == nil })
}

// Stage is the phase a relay operation is in.
type Stage int

const (
	StagePreparing Stage = iota
	StageFanningOut
	StageCorrelating
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StagePreparing:
		return "preparing"
	case StageFanningOut:
		return "fanning_out"
	case StageCorrelating:
		return "correlating"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}
