package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
)

// Port defines
const (
	RDMAPort1 uint16 = 28
	RDMAPort2 uint16 = 60
	RDMAPort3 uint16 = 160
)

// Mirror session defaults
const (
	PktMinLength      = 100 * datasize.B
	RDMAMirrorSession = 100
)

// Hardware limits of the mirror configuration table
const (
	MinSessionID = 1
	MaxSessionID = 1015
	MaxPortIndex = 511
	MaxPktLen    = 16383 * datasize.B
)

var (
	ErrInvalidSession   = errors.New("invalid mirror session")
	ErrSessionNotFound  = errors.New("mirror session not found")
	ErrUnknownDirection = errors.New("unknown mirror direction")
)

// Direction selects which traffic a mirror session copies
type Direction string

const (
	DirectionIngress Direction = "INGRESS"
	DirectionEgress  Direction = "EGRESS"
	DirectionBoth    Direction = "BOTH"
)

// ParseDirection accepts any case and surrounding whitespace
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case DirectionIngress, DirectionEgress, DirectionBoth:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}

func (d Direction) String() string {
	return string(d)
}

// Ingress reports whether received traffic is mirrored
func (d Direction) Ingress() bool {
	return d == DirectionIngress || d == DirectionBoth
}

// Egress reports whether transmitted traffic is mirrored
func (d Direction) Egress() bool {
	return d == DirectionEgress || d == DirectionBoth
}

// UnmarshalText lets config decoders read directions case-insensitively
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

// PacketColor is the meter color assigned to mirrored copies
type PacketColor string

const (
	ColorGreen  PacketColor = "GREEN"
	ColorYellow PacketColor = "YELLOW"
	ColorRed    PacketColor = "RED"
)

// MirrorSession represents a mirror session configuration
type MirrorSession struct {
	SessionID       uint16            `json:"sid" yaml:"sid" toml:"sid"`
	Direction       Direction         `json:"direction" yaml:"direction" toml:"direction"`
	Enabled         bool              `json:"session_enable" yaml:"session_enable" toml:"session_enable"`
	EgressPort      uint16            `json:"ucast_egress_port" yaml:"ucast_egress_port" toml:"ucast_egress_port"`
	EgressPortValid bool              `json:"ucast_egress_port_valid" yaml:"ucast_egress_port_valid" toml:"ucast_egress_port_valid"`
	MaxPktLen       datasize.ByteSize `json:"max_pkt_len,omitempty" yaml:"max_pkt_len,omitempty" toml:"max_pkt_len,omitempty"`
	PacketColor     PacketColor       `json:"packet_color,omitempty" yaml:"packet_color,omitempty" toml:"packet_color,omitempty"`
}

// DefaultSession returns the RDMA mirror session: both directions to RDMAPort3
func DefaultSession() MirrorSession {
	return MirrorSession{
		SessionID:       RDMAMirrorSession,
		Direction:       DirectionBoth,
		Enabled:         true,
		EgressPort:      RDMAPort3,
		EgressPortValid: true,
	}
}

// Validate checks the session against the mirror table limits. Every
// violation is reported, each wrapping ErrInvalidSession.
func (s MirrorSession) Validate() error {
	var errs []error

	if s.SessionID < MinSessionID || s.SessionID > MaxSessionID {
		errs = append(errs, fmt.Errorf("%w: sid %d out of range [%d, %d]",
			ErrInvalidSession, s.SessionID, MinSessionID, MaxSessionID))
	}

	if _, err := ParseDirection(string(s.Direction)); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidSession, err))
	}

	if s.EgressPortValid && s.EgressPort > MaxPortIndex {
		errs = append(errs, fmt.Errorf("%w: egress port %d exceeds %d",
			ErrInvalidSession, s.EgressPort, MaxPortIndex))
	}

	if s.MaxPktLen > MaxPktLen {
		errs = append(errs, fmt.Errorf("%w: max_pkt_len %s exceeds %s",
			ErrInvalidSession, s.MaxPktLen.HR(), MaxPktLen.HR()))
	}

	switch s.PacketColor {
	case "", ColorGreen, ColorYellow, ColorRed:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown packet color %q", ErrInvalidSession, s.PacketColor))
	}

	return errors.Join(errs...)
}

// MirrorEntry is a row of the mirror configuration table as pushed to the
// switch runtime. Action is always "normal" for unicast sessions.
type MirrorEntry struct {
	Action               string      `json:"action"`
	SID                  uint16      `json:"sid"`
	Direction            Direction   `json:"direction"`
	SessionEnable        bool        `json:"session_enable"`
	UcastEgressPort      uint16      `json:"ucast_egress_port"`
	UcastEgressPortValid int         `json:"ucast_egress_port_valid"`
	MaxPktLen            uint64      `json:"max_pkt_len,omitempty"`
	PacketColor          PacketColor `json:"packet_color,omitempty"`
}

const ActionNormal = "normal"

// NewNormalEntry builds the normal-action table entry for a session
func NewNormalEntry(s MirrorSession) MirrorEntry {
	e := MirrorEntry{
		Action:        ActionNormal,
		SID:           s.SessionID,
		Direction:     s.Direction,
		SessionEnable: s.Enabled,
		MaxPktLen:     s.MaxPktLen.Bytes(),
		PacketColor:   s.PacketColor,
	}
	if s.EgressPortValid {
		e.UcastEgressPort = s.EgressPort
		e.UcastEgressPortValid = 1
	}
	return e
}

// Session converts a table entry back into its session form
func (e MirrorEntry) Session() MirrorSession {
	return MirrorSession{
		SessionID:       e.SID,
		Direction:       e.Direction,
		Enabled:         e.SessionEnable,
		EgressPort:      e.UcastEgressPort,
		EgressPortValid: e.UcastEgressPortValid != 0,
		MaxPktLen:       datasize.ByteSize(e.MaxPktLen),
		PacketColor:     e.PacketColor,
	}
}
