package domain

import "fmt"

type (
	SessionID string
	PeerID    string
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

// Quality is the client-reported network condition.
type Quality string

const (
	QualityPoor      Quality = "poor"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

func ParseDirection(raw string) (Direction, error) {
	d := Direction(raw)
	if !d.Valid() {
		return "", fmt.Errorf("%w: direction %q", ErrBadPayload, raw)
	}
	return d, nil
}

func ParseKind(raw string) (MediaKind, error) {
	k := MediaKind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrBadPayload, raw)
	}
	return k, nil
}

func ParseQuality(raw string) (Quality, error) {
	switch q := Quality(raw); q {
	case QualityPoor, QualityGood, QualityExcellent:
		return q, nil
	}
	return "", fmt.Errorf("%w: quality %q", ErrBadPayload, raw)
}
