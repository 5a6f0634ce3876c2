package domain

import (
	"fmt"
	"strings"
)

type DestinationKind string

const (
	Queue DestinationKind = "queue"
	Topic DestinationKind = "topic"
)

type DeliveryMode int

const (
	NonPersistent DeliveryMode = iota
	Persistent
)

func (d DeliveryMode) String() string {
	if d == Persistent {
		return "persistent"
	}
	return "non-persistent"
}

// AckMode is how a consumer confirms receipt to the broker.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	ClientAcknowledge
	DupsOKAcknowledge
	SessionTransacted
)

var ackModeNames = map[AckMode]string{
	AutoAcknowledge:   "AUTO_ACKNOWLEDGE",
	ClientAcknowledge: "CLIENT_ACKNOWLEDGE",
	DupsOKAcknowledge: "DUPS_OK_ACKNOWLEDGE",
	SessionTransacted: "SESSION_TRANSACTED",
}

func (a AckMode) String() string {
	if s, ok := ackModeNames[a]; ok {
		return s
	}
	return fmt.Sprintf("AckMode(%d)", int(a))
}

// ParseAckMode accepts the long names (CLIENT_ACKNOWLEDGE) and the short
// ones (CLIENT), case-insensitively.
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO_ACKNOWLEDGE", "AUTO":
		return AutoAcknowledge, nil
	case "CLIENT_ACKNOWLEDGE", "CLIENT":
		return ClientAcknowledge, nil
	case "DUPS_OK_ACKNOWLEDGE", "DUPS_OK":
		return DupsOKAcknowledge, nil
	case "SESSION_TRANSACTED", "TRANSACTED":
		return SessionTransacted, nil
	}
	return AutoAcknowledge, fmt.Errorf("unknown acknowledgment mode %q", s)
}
