package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/ringchan"
)

// Level classifies a Notice.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText renders the level by name in JSON output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Notice is a transient, user-facing message about an operation outcome.
type Notice struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

func (n Notice) String() string {
	return fmt.Sprintf("[%s] %s", n.Level, n.Message)
}

// noticeSink fans notices out to a live channel and keeps a bounded history.
type noticeSink struct {
	logger *logrus.Logger
	live   *ringchan.RingChannel[Notice]

	mu      sync.Mutex
	history mpmc.RichOverlappedRingBuffer[Notice]
}

func newNoticeSink(logger *logrus.Logger, historySize int) *noticeSink {
	return &noticeSink{
		logger:  logger,
		live:    ringchan.New[Notice](historySize),
		history: mpmc.NewOverlappedRingBuffer[Notice](uint32(historySize)),
	}
}

func (s *noticeSink) emit(level Level, format string, args ...any) {
	n := Notice{Time: time.Now(), Level: level, Message: fmt.Sprintf(format, args...)}

	s.mu.Lock()
	if _, err := s.history.EnqueueM(n); err != nil {
		s.logger.WithError(err).Warn("Failed to record notice")
	}
	s.mu.Unlock()

	if s.live.Send(n) {
		s.logger.Debug("Notice channel full, dropped oldest notice")
	}
}

// recent returns the buffered history, oldest first, without consuming it.
func (s *noticeSink) recent() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notice
	for !s.history.IsEmpty() {
		n, err := s.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, n)
	}
	for _, n := range out {
		_, _ = s.history.EnqueueM(n)
	}
	return out
}

func (s *noticeSink) close() {
	s.live.Close()
}
