package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPSink is the write side of a subscriber track.
type RTPSink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single outgoing track to a subscriber. It keeps
// sequence numbers and timestamps continuous when the upstream source
// changes, so a layer switch looks like one stream to the receiver.
type OutTrack struct {
	Sink    RTPSink
	state   atomic.Int32 // Zero by default (TrackStateOk)
	packets atomic.Uint64

	mu        sync.Mutex
	started   bool
	srcSSRC   uint32
	lastSeq   uint16
	lastTS    uint32
	seqOffset uint16
	tsOffset  uint32
}

func NewOutTrack(sink RTPSink) *OutTrack {
	return &OutTrack{Sink: sink}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

func (ot *OutTrack) Packets() uint64 {
	return ot.packets.Load()
}

// Write forwards pkt, rewriting its sequence number and timestamp. pkt is
// shared between subscribers and is never modified.
func (ot *OutTrack) Write(pkt *rtp.Packet) error {
	ot.mu.Lock()
	if !ot.started {
		ot.started = true
		ot.srcSSRC = pkt.SSRC
	} else if pkt.SSRC != ot.srcSSRC {
		ot.srcSSRC = pkt.SSRC
		ot.seqOffset = ot.lastSeq + 1 - pkt.SequenceNumber
		ot.tsOffset = ot.lastTS + 1 - pkt.Timestamp
	}
	out := *pkt
	out.SequenceNumber = pkt.SequenceNumber + ot.seqOffset
	out.Timestamp = pkt.Timestamp + ot.tsOffset
	ot.lastSeq = out.SequenceNumber
	ot.lastTS = out.Timestamp
	ot.mu.Unlock()

	if err := ot.Sink.WriteRTP(&out); err != nil {
		return err
	}
	ot.packets.Add(1)
	return nil
}
