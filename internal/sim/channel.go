package sim

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Frame is one broadcast payload on the channel: the sender's RepCL node
// id (carried out-of-band here, the way the real network layer would
// carry it in an envelope; spec.md §9 still forbids it inside the 16-byte
// clock payload itself) and the encoded clock state.
type Frame struct {
	SenderID uint
	Payload  []byte
}

// Channel is a shared broadcast medium modeled on ns-3's CsmaHelper: a
// frame sent by one node is delivered to every other attached node after a
// transmission time (payload size over DataRate) plus a fixed propagation
// delay. Only one transmission can occupy the channel at a time; a sender
// that attempts to transmit while the channel is busy backs off and
// retries, standing in for CSMA carrier sensing and collision avoidance.
type Channel struct {
	sched    *Scheduler
	dataRate uint64 // bits per second
	delay    time.Duration

	busyUntil time.Duration
	receivers map[uint]func(Frame)

	newBackoff func() backoff.BackOff
}

// NewChannel returns a Channel on sched with the given DataRate (bits per
// second, matching ns-3's DataRateValue) and propagation delay.
func NewChannel(sched *Scheduler, dataRate uint64, delay time.Duration) *Channel {
	return &Channel{
		sched:     sched,
		dataRate:  dataRate,
		delay:     delay,
		receivers: make(map[uint]func(Frame)),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Microsecond
			b.MaxInterval = 2 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Attach registers deliver as the callback invoked whenever a frame from
// any other node reaches nodeID.
func (c *Channel) Attach(nodeID uint, deliver func(Frame)) {
	c.receivers[nodeID] = deliver
}

// Transmit sends payload from senderID to every other attached node. If
// the channel is currently busy with another transmission, Transmit
// schedules a backed-off retry instead of colliding.
func (c *Channel) Transmit(senderID uint, payload []byte) {
	c.transmit(senderID, payload, c.newBackoff())
}

func (c *Channel) transmit(senderID uint, payload []byte, b backoff.BackOff) {
	if c.sched.Now() < c.busyUntil {
		c.sched.Schedule(b.NextBackOff(), func() {
			c.transmit(senderID, payload, b)
		})
		return
	}

	txTime := c.transmissionTime(len(payload))
	c.busyUntil = c.sched.Now() + txTime

	for id, deliver := range c.receivers {
		if id == senderID {
			continue
		}
		frame := Frame{SenderID: senderID, Payload: payload}
		deliver := deliver
		c.sched.Schedule(txTime+c.delay, func() {
			deliver(frame)
		})
	}
}

// transmissionTime is how long payload occupies the channel at dataRate
// bits per second.
func (c *Channel) transmissionTime(payloadBytes int) time.Duration {
	if c.dataRate == 0 {
		return 0
	}
	bits := uint64(payloadBytes) * 8
	seconds := float64(bits) / float64(c.dataRate)
	return time.Duration(seconds * float64(time.Second))
}
