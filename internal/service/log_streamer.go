package service

import (
	"sync"
	"time"

	"slipstream-vpn/internal/core"
	"slipstream-vpn/internal/supervisor"
)

const (
	// logRingSize is the number of lines replayed to late subscribers.
	logRingSize = 300
	// logChannelSize is the buffer size for each subscriber channel.
	logChannelSize = 512

	// processTag marks lines that came from the tunneling process.
	processTag = "Slipstream"
)

// LogEntry represents a single log line.
type LogEntry struct {
	Timestamp time.Time
	Level     core.LogLevel
	Tag       string
	Message   string
}

// LogSubscriber receives log entries via a channel.
type LogSubscriber struct {
	C         <-chan LogEntry
	ch        chan LogEntry
	minLevel  core.LogLevel
	tagFilter string
	id        uint64
}

// LogStreamer captures daemon and process log lines and distributes them
// to subscribers in emission order.
type LogStreamer struct {
	mu          sync.Mutex
	ring        []LogEntry
	ringPos     int
	ringFull    bool
	subscribers map[uint64]*LogSubscriber
	nextID      uint64
	stopped     bool
}

// NewLogStreamer creates a LogStreamer.
func NewLogStreamer() *LogStreamer {
	return &LogStreamer{
		ring:        make([]LogEntry, logRingSize),
		subscribers: make(map[uint64]*LogSubscriber),
	}
}

// Start installs a hook into the core logger.
func (ls *LogStreamer) Start() {
	core.Log.SetHook(ls.onLogEntry)
}

// Stop removes the log hook and closes all subscribers.
func (ls *LogStreamer) Stop() {
	core.Log.SetHook(nil)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.stopped = true
	for id, sub := range ls.subscribers {
		close(sub.ch)
		delete(ls.subscribers, id)
	}
}

// ProcessSink returns the supervisor sink for tunneling process output.
// Lines go to the ring at info level and to the core logger at debug.
func (ls *LogStreamer) ProcessSink() supervisor.Sink {
	return func(line string) {
		ls.record(LogEntry{
			Timestamp: time.Now(),
			Level:     core.LevelInfo,
			Tag:       processTag,
			Message:   line,
		})
		core.Log.Debugf(processTag, "%s", line)
	}
}

// Subscribe creates a subscriber. The buffered ring is replayed first, so
// a late subscriber sees up to the last logRingSize lines.
func (ls *LogStreamer) Subscribe(minLevel core.LogLevel, tagFilter string) *LogSubscriber {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan LogEntry, logChannelSize)
	sub := &LogSubscriber{
		C:         ch,
		ch:        ch,
		minLevel:  minLevel,
		tagFilter: tagFilter,
		id:        ls.nextID,
	}
	ls.nextID++
	if ls.stopped {
		close(ch)
		return sub
	}
	ls.subscribers[sub.id] = sub

	for _, e := range ls.tail(logRingSize) {
		if matchesFilter(e, minLevel, tagFilter) {
			ch <- e
		}
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (ls *LogStreamer) Unsubscribe(sub *LogSubscriber) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.subscribers[sub.id]; ok {
		close(sub.ch)
		delete(ls.subscribers, sub.id)
	}
}

// Tail returns up to n of the most recent entries, oldest first.
func (ls *LogStreamer) Tail(n int) []LogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.tail(n)
}

// onLogEntry is the hook called by core.Logger for each log line.
// Process lines are recorded by ProcessSink already.
func (ls *LogStreamer) onLogEntry(level core.LogLevel, tag, msg string) {
	if tag == processTag {
		return
	}
	ls.record(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Tag:       tag,
		Message:   msg,
	})
}

// record appends to the ring and dispatches under the lock so every
// subscriber sees entries in the order they were recorded.
func (ls *LogStreamer) record(entry LogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.ring[ls.ringPos] = entry
	ls.ringPos++
	if ls.ringPos >= logRingSize {
		ls.ringPos = 0
		ls.ringFull = true
	}

	for _, sub := range ls.subscribers {
		if matchesFilter(entry, sub.minLevel, sub.tagFilter) {
			select {
			case sub.ch <- entry:
			default:
				// Drop entry if subscriber is slow.
			}
		}
	}
}

// tail returns the last n entries from the ring buffer. Caller holds mu.
func (ls *LogStreamer) tail(n int) []LogEntry {
	total := ls.ringPos
	if ls.ringFull {
		total = logRingSize
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}

	result := make([]LogEntry, n)
	start := ls.ringPos - n
	if start < 0 {
		start += logRingSize
	}
	for i := range n {
		result[i] = ls.ring[(start+i)%logRingSize]
	}
	return result
}

func matchesFilter(e LogEntry, minLevel core.LogLevel, tagFilter string) bool {
	if e.Level < minLevel {
		return false
	}
	if tagFilter != "" && e.Tag != tagFilter {
		return false
	}
	return true
}
