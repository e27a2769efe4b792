package xcp

import "time"

// Clock is a monotonic timestamp source: Now32 stamps triggered DAQ frames
// with a 32-bit raw tick, and Now64 answers GET_DAQ_CLOCK with the full
// 64-bit value. Now32 wraps every ~71 minutes (microsecond ticks in a
// uint32); a transport-side decoder can reconstruct a monotonic value
// across wraps from successive Now32 samples via high-water tracking
// (spec §4.5/§8 property 7) when it needs one without a round trip to
// GET_DAQ_CLOCK.
type Clock struct {
	epoch time.Time
}

// NewClock creates a Clock whose epoch is the current time.
func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

// Now32 returns microseconds since the clock's epoch, truncated to 32
// bits.
func (c *Clock) Now32() uint32 {
	return uint32(time.Since(c.epoch).Microseconds())
}

// Now64 returns nanoseconds since the clock's epoch, the value reported by
// GET_DAQ_CLOCK.
func (c *Clock) Now64() uint64 {
	return uint64(time.Since(c.epoch).Nanoseconds())
}
