package gossip

// Definitions of the wire protocol: member status, membership deltas, and
// the ping / ping-req / join / leave request and response bodies. Keeps
// network encoding/decoding concerns isolated from membership logic.

// Status is a member's position in the SWIM lifecycle. Statuses have a
// total precedence order used to resolve conflicting reports: alive <
// suspect < faulty = leave = damped.
type Status string

const (
	StatusAlive   Status = "alive"
	StatusSuspect Status = "suspect"
	StatusFaulty  Status = "faulty"
	StatusLeave   Status = "leave"
	StatusDamped  Status = "damped"
)

func (s Status) valid() bool {
	switch s {
	case StatusAlive, StatusSuspect, StatusFaulty, StatusLeave, StatusDamped:
		return true
	default:
		return false
	}
}

// precedence orders statuses for the reconciliation rule in Membership.Update.
// Equal incarnations break ties by precedence; alive is weakest, faulty/leave/
// damped are strongest and equal to each other.
func (s Status) precedence() int {
	switch s {
	case StatusAlive:
		return 0
	case StatusSuspect:
		return 1
	case StatusFaulty, StatusLeave, StatusDamped:
		return 2
	default:
		return -1
	}
}

// Member is one known participant of the cluster.
type Member struct {
	Address     string `json:"address"`
	Status      Status `json:"status"`
	Incarnation int64  `json:"incarnationNumber"`
	DampScore   int    `json:"dampScore,omitempty"`
}

// Change is a proposed membership delta, the unit of dissemination. Source
// is the address of the node that observed the change, used to avoid
// reflecting a change back at the node that reported it. PiggybackCount is
// local bookkeeping for the disseminator and is never meaningful off-wire.
type Change struct {
	Address        string `json:"address"`
	Status         Status `json:"status"`
	Incarnation    int64  `json:"incarnationNumber"`
	Source         string `json:"source,omitempty"`
	PiggybackCount int    `json:"-"`
}

func (c Change) toMember() Member {
	return Member{Address: c.Address, Status: c.Status, Incarnation: c.Incarnation}
}

// PingRequest is sent by the detector directly to a probe target.
type PingRequest struct {
	Source   string   `json:"source"`
	Checksum uint32   `json:"checksum"`
	Changes  []Change `json:"changes"`
}

// PingResponse carries the responder's own piggyback batch.
type PingResponse struct {
	Changes []Change `json:"changes"`
}

// PingReqRequest asks a relay to probe Target on the detector's behalf.
type PingReqRequest struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Checksum uint32   `json:"checksum"`
	Changes  []Change `json:"changes"`
}

// PingReqResponse reports whether the relay reached Target.
type PingReqResponse struct {
	PingStatus bool     `json:"pingStatus"`
	Target     string   `json:"target"`
	Changes    []Change `json:"changes"`
}

// JoinRequest is the bootstrap handshake sent to seed addresses.
type JoinRequest struct {
	App               string `json:"app"`
	Source            string `json:"source"`
	IncarnationNumber int64  `json:"incarnationNumber"`
}

// JoinResponse reports the coordinator's view of the cluster so the joiner
// can seed its own Membership from it.
type JoinResponse struct {
	App         string   `json:"app"`
	Coordinator string   `json:"coordinator"`
	Membership  []Member `json:"membership"`
}

// LeaveRequest announces a voluntary departure. The handler acknowledges
// only; per the design the sender's own subsequent gossip carries the
// leave status, there is no active leave broadcast.
type LeaveRequest struct {
	Source string `json:"source"`
}

// LeaveResponse is always empty; its presence is the acknowledgement.
type LeaveResponse struct{}
