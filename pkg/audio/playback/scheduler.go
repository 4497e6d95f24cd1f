// Package playback places decoded model speech on a continuous output
// timeline so consecutive chunks play back to back without gaps or overlap.
//
// The [Scheduler] owns a single cursor: the time at which the most recently
// scheduled chunk ends. Every new chunk starts at max(cursor, now), which
// keeps playback gapless while audio arrives faster than real time and never
// schedules anything in the past when it arrives late.
//
// The [Timeline] is the software sink used with a real speaker: it mixes
// scheduled buffers into the device render callback and derives its clock
// from the number of frames rendered.
package playback

import (
	"time"

	"github.com/hypermanager/hypermind/pkg/audio"
)

// Clock reports the current position of the output timeline.
type Clock interface {
	Now() time.Duration
}

// Sink plays buffers at absolute positions on the output timeline.
type Sink interface {
	// Play queues buf to start at the given timeline position.
	Play(buf audio.Buffer, at time.Duration)

	// Clear discards everything queued but not yet played.
	Clear()
}

// Converter is implemented by sinks that play at a fixed rate. The scheduler
// converts each buffer before computing its duration, so the cursor advances
// by exactly the frames the sink will render.
type Converter interface {
	Convert(buf audio.Buffer) audio.Buffer
}

// Item is one scheduled chunk.
type Item struct {
	Buffer audio.Buffer
	Start  time.Duration
}

// End returns the timeline position at which the item finishes.
func (i Item) End() time.Duration {
	return i.Start + i.Buffer.Duration()
}

// Scheduler assigns start times to decoded chunks. It is owned by a single
// goroutine and is not safe for concurrent use.
type Scheduler struct {
	clock  Clock
	sink   Sink
	cursor time.Duration
}

// NewScheduler returns a scheduler whose cursor starts at the clock's current
// position.
func NewScheduler(clock Clock, sink Sink) *Scheduler {
	return &Scheduler{clock: clock, sink: sink, cursor: clock.Now()}
}

// Schedule queues buf at max(cursor, now) and advances the cursor to its end.
// The returned item holds the buffer as handed to the sink.
func (s *Scheduler) Schedule(buf audio.Buffer) Item {
	if c, ok := s.sink.(Converter); ok {
		buf = c.Convert(buf)
	}
	start := max(s.cursor, s.clock.Now())
	item := Item{Buffer: buf, Start: start}
	s.sink.Play(buf, start)
	s.cursor = item.End()
	return item
}

// Interrupt drops pending playback and moves the cursor to now, so the next
// chunk starts immediately.
func (s *Scheduler) Interrupt() {
	s.sink.Clear()
	s.cursor = s.clock.Now()
}

// Cursor returns the end of the last scheduled chunk.
func (s *Scheduler) Cursor() time.Duration {
	return s.cursor
}

// Lead returns how far the cursor is ahead of the clock, or zero when
// playback has caught up.
func (s *Scheduler) Lead() time.Duration {
	return max(0, s.cursor-s.clock.Now())
}
