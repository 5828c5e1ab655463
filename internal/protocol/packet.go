// Package protocol defines the hub/leaf wire format: the five packet kinds,
// their field encodings, and the 3-byte length framing around them.
package protocol

import "fmt"

// PacketID is the single-byte tag that leads every frame body.
// Tags are part of the wire contract and must never be renumbered.
type PacketID uint8

const (
	IDRegister    PacketID = 1
	IDRegisterAck PacketID = 2
	IDRequest     PacketID = 3
	IDResponse    PacketID = 4
	IDForward     PacketID = 5
)

func (id PacketID) String() string {
	switch id {
	case IDRegister:
		return "Register"
	case IDRegisterAck:
		return "RegisterAck"
	case IDRequest:
		return "Request"
	case IDResponse:
		return "Response"
	case IDForward:
		return "Forward"
	}
	return fmt.Sprintf("PacketID(%d)", uint8(id))
}

// MaxFrameSize is the largest frame body (tag + fields) accepted in either
// direction: 4 MiB.
const MaxFrameSize = 4 * 1024 * 1024

// FrameHeaderSize is the size of the big-endian length prefix.
const FrameHeaderSize = 3

// Packet is implemented by every packet kind.
type Packet interface {
	ID() PacketID
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// Register is sent by a leaf right after its transport becomes active.
type Register struct {
	Password string
	LeafName string
}

// RegisterResult is the outcome carried by RegisterAck.
type RegisterResult uint8

const (
	RegisterSuccess           RegisterResult = 0
	RegisterIncorrectPassword RegisterResult = 1
	RegisterAlreadyRegistered RegisterResult = 2
	RegisterUnknownName       RegisterResult = 3
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterSuccess:
		return "SUCCESS"
	case RegisterIncorrectPassword:
		return "INCORRECT_PASSWORD"
	case RegisterAlreadyRegistered:
		return "ALREADY_REGISTERED"
	case RegisterUnknownName:
		return "UNKNOWN_NAME"
	}
	return fmt.Sprintf("RegisterResult(%d)", uint8(r))
}

func (r RegisterResult) valid() bool { return r <= RegisterUnknownName }

// RegisterAck is the hub's reply to Register.
type RegisterAck struct {
	Result RegisterResult
}

// ---------------------------------------------------------------------------
// Traffic
// ---------------------------------------------------------------------------

// DestinationKind selects how a Request is routed.
type DestinationKind uint8

const (
	DestinationHub    DestinationKind = 0
	DestinationLeaf   DestinationKind = 1
	DestinationPlayer DestinationKind = 2
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationHub:
		return "HUB"
	case DestinationLeaf:
		return "NAMED_LEAF"
	case DestinationPlayer:
		return "PLAYER"
	}
	return fmt.Sprintf("DestinationKind(%d)", uint8(k))
}

// Destination addresses a Request. Name is empty for DestinationHub.
type Destination struct {
	Kind DestinationKind
	Name string
}

// ToHub addresses the hub itself.
func ToHub() Destination { return Destination{Kind: DestinationHub} }

// ToLeaf addresses the leaf registered under name.
func ToLeaf(name string) Destination { return Destination{Kind: DestinationLeaf, Name: name} }

// ToPlayer addresses whichever leaf currently hosts the named player.
func ToPlayer(name string) Destination { return Destination{Kind: DestinationPlayer, Name: name} }

func (d Destination) String() string {
	if d.Kind == DestinationHub {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Name)
}

// Call marks a Request that expects a Response.
type Call struct {
	ID            uint64
	TimeoutMillis int64
}

// Request carries a topic message. Call is nil for fire-and-forget requests.
type Request struct {
	Destination Destination
	Topic       string
	Payload     []byte
	Call        *Call
}

// Status is the outcome carried by a Response.
type Status uint8

const (
	StatusOK             Status = 0
	StatusNotConnected   Status = 1
	StatusTimedOut       Status = 2
	StatusServerOffline  Status = 3
	StatusServerNotFound Status = 4
	StatusPlayerNotFound Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotConnected:
		return "NOT_CONNECTED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusServerOffline:
		return "SERVER_OFFLINE"
	case StatusServerNotFound:
		return "SERVER_NOT_FOUND"
	case StatusPlayerNotFound:
		return "PLAYER_NOT_FOUND"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) valid() bool { return s <= StatusPlayerNotFound }

// Response answers a Request that carried a Call. Payload is only
// meaningful, and only encoded, when Status is StatusOK.
type Response struct {
	CallID  uint64
	Status  Status
	Payload []byte
}

// Forward is a one-way fan-out from a leaf. An empty LeafNames means every
// registered leaf except the sender.
type Forward struct {
	LeafNames []string
	Topic     string
	Payload   []byte
}

func (*Register) ID() PacketID    { return IDRegister }
func (*RegisterAck) ID() PacketID { return IDRegisterAck }
func (*Request) ID() PacketID     { return IDRequest }
func (*Response) ID() PacketID    { return IDResponse }
func (*Forward) ID() PacketID     { return IDForward }
