package session

import (
	"fmt"
	"time"

	"github.com/mediaposte/server/internal/conversion"
	"github.com/mediaposte/server/internal/loader"
)

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a short user-visible message.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventType names the payload of an Event.
type EventType string

const (
	EventNotice     EventType = "notice"
	EventProgress   EventType = "conversion_progress"
	EventConversion EventType = "conversion_done"
	EventLoaded     EventType = "zones_loaded"
)

// Event is what the session publishes to its listener.
type Event struct {
	Type     EventType            `json:"type"`
	Notice   *Notice              `json:"notice,omitempty"`
	Progress *conversion.Progress `json:"progress,omitempty"`
	Report   *conversion.Report   `json:"report,omitempty"`
	Loaded   *loader.Outcome      `json:"loaded,omitempty"`
}

// eventBuffer bounds the pending events of one session. When the listener
// falls behind the oldest event is dropped.
const eventBuffer = 64

// Events returns the session's event stream. It is never closed; listeners
// stop on Done.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) publish(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Session) notify(level Level, format string, args ...interface{}) {
	n := Notice{Level: level, Message: fmt.Sprintf(format, args...), Time: time.Now()}
	s.publish(Event{Type: EventNotice, Notice: &n})
}
