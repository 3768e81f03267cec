package ejengine

import "github.com/ejdispatch/ej/internal/ejmodel"

// OutboundKind selects which duplex-channel frame (spec §6.1) the engine
// asks the registry to deliver to a connected builder.
type OutboundKind int

const (
	OutboundBuild OutboundKind = iota
	OutboundBuildAndRun
	OutboundCancel
	OutboundClose
)

// OutboundMessage is one frame the engine hands to a BuilderRegistry for
// delivery to a specific builder's outbound sink.
type OutboundMessage struct {
	Kind   OutboundKind
	Job    ejmodel.DeployableJob
	Reason string // set for OutboundCancel: "NoBuilders" | "Timeout"
	JobID  string // set for OutboundCancel
}

// BuilderRegistry is the engine's view of the connected-builder set owned
// by internal/ejhub (spec §3 "Connected Builder"). The engine never
// touches the registry's internals directly — it only snapshots ids and
// attempts sends, so the registry alone owns the mutex-guarded collection
// (spec §5 shared-resource policy).
type BuilderRegistry interface {
	// ConnectedBuilderIDs returns a point-in-time snapshot of connected
	// builder ids.
	ConnectedBuilderIDs() []string
	// Send attempts to deliver msg to builderID's outbound channel. It
	// returns false if the builder is no longer connected or its outbound
	// buffer is saturated; the engine treats false as "this builder did
	// not receive the assignment" without blocking.
	Send(builderID string, msg OutboundMessage) bool
}

// UpdateKind selects which submitter-facing update (spec §6.2) an Update
// carries.
type UpdateKind int

const (
	UpdateJobStarted UpdateKind = iota
	UpdateJobAddedToQueue
	UpdateJobCancelled
	UpdateBuildFinished
	UpdateRunFinished
)

// BoardEntry pairs a board configuration with a text blob — the shape of
// one element of BuildFinished/RunFinished's logs/results arrays.
type BoardEntry struct {
	Board ejmodel.BoardConfigAPI
	Text  string
}

// Update is one engine-to-submitter message (spec §6.2). Exactly one
// terminal update (JobCancelled, BuildFinished, or RunFinished) is sent
// per Dispatch call (spec §8 invariant).
type Update struct {
	Kind          UpdateKind
	NbBuilders    int
	QueuePosition int
	CancelReason  string // "NoBuilders" | "Timeout"
	Success       bool
	Logs          []BoardEntry
	Results       []BoardEntry
}

// UpdatesSink delivers Update values to one submitter. Send returning
// false indicates back-pressure (the sink's buffer is saturated); per
// spec §5 invariant 5 this is accepted but must be logged by the engine,
// never silently dropped.
type UpdatesSink interface {
	Send(Update) bool
}
