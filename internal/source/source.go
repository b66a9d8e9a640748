// SPDX-License-Identifier: MIT

package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
	"github.com/kestrelvision/kestrel-go/internal/graph"
)

// ID identifies a source within one controller. Ids are assigned at
// add-time and never reused while the source lives.
type ID uint

// String returns the decimal source id.
func (id ID) String() string { return fmt.Sprintf("%d", uint(id)) }

// State is the source lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StatePlaying
	StatePaused
	StateStopped
	StateError
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// VideoSource is a dynamically added input stem: a test-source bin for
// the synthetic test URI, a uridecodebin stem for everything else.
type VideoSource struct {
	id  ID
	uri string
	bin graph.Element

	mu         sync.Mutex
	state      State
	errMsg     string
	padAddedID uint64
	muxPad     *graph.Pad // Borrowed handle to the requested muxer pad
	extra      []graph.Element
}

// NewVideoSource builds the source stem for uri.
func NewVideoSource(id ID, uri string) (*VideoSource, error) {
	binName := fmt.Sprintf("source-bin-%02d", uint(id))

	var element graph.Element
	if uri == graph.TestPatternURI {
		bin := graph.NewBin(binName)
		src, err := graph.New("videotestsrc", fmt.Sprintf("testsrc-%d", uint(id)))
		if err != nil {
			return nil, errclass.Wrap(errclass.KindElementCreation, err, "videotestsrc for source %d", uint(id))
		}
		capsfilter, err := graph.New("capsfilter", fmt.Sprintf("testcaps-%d", uint(id)))
		if err != nil {
			return nil, errclass.Wrap(errclass.KindElementCreation, err, "capsfilter for source %d", uint(id))
		}
		caps := graph.NewVideoCaps(graph.FormatRGB, 640, 480, 30, 1)
		if err := capsfilter.SetProperty("caps", caps); err != nil {
			return nil, err
		}
		bin.Add(src, capsfilter)
		if err := src.StaticPad("src").Link(capsfilter.StaticPad("sink")); err != nil {
			return nil, errclass.Wrap(errclass.KindPadLinking, err, "test source %d", uint(id))
		}
		if _, err := bin.AddGhostSrcPad("src", capsfilter.StaticPad("src")); err != nil {
			return nil, errclass.Wrap(errclass.KindPadLinking, err, "ghost pad for source %d", uint(id))
		}
		element = bin
	} else {
		dec, err := graph.New("uridecodebin", binName)
		if err != nil {
			return nil, errclass.Wrap(errclass.KindElementCreation, err, "uridecodebin for source %d", uint(id))
		}
		if err := dec.SetProperty("uri", uri); err != nil {
			return nil, err
		}
		element = dec
	}

	return &VideoSource{id: id, uri: uri, bin: element, state: StateIdle}, nil
}

// ID returns the source id.
func (s *VideoSource) ID() ID { return s.id }

// URI returns the source URI.
func (s *VideoSource) URI() string { return s.uri }

// Element returns the underlying stem element.
func (s *VideoSource) Element() graph.Element { return s.bin }

// IsTestSource reports whether the source uses the synthetic pattern.
func (s *VideoSource) IsTestSource() bool { return s.uri == graph.TestPatternURI }

// State returns the source state.
func (s *VideoSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorMessage returns the error text when the state is StateError.
func (s *VideoSource) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// setState moves the source to a new state.
func (s *VideoSource) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state != StateError {
		s.errMsg = ""
	}
	s.mu.Unlock()
}

// setError marks the source failed with a message.
func (s *VideoSource) setError(msg string) {
	s.mu.Lock()
	s.state = StateError
	s.errMsg = msg
	s.mu.Unlock()
}

// ConnectPadAdded attaches the dynamic-pad handler for decode stems.
// Test-source bins expose their pad statically and skip the callback.
func (s *VideoSource) ConnectPadAdded(fn func(element graph.Element, pad *graph.Pad)) {
	if s.IsTestSource() {
		return
	}
	id := s.bin.Connect("pad-added", func(e graph.Element, pad *graph.Pad) {
		fn(e, pad)
	})
	s.mu.Lock()
	s.padAddedID = id
	s.mu.Unlock()
}

// DisconnectPadAdded removes the dynamic-pad handler before disposal so
// late callbacks cannot touch a dead source.
func (s *VideoSource) DisconnectPadAdded() {
	s.mu.Lock()
	id := s.padAddedID
	s.padAddedID = 0
	s.mu.Unlock()
	if id != 0 {
		s.bin.Disconnect(id)
	}
}

// setMuxPad records the borrowed muxer pad handle.
func (s *VideoSource) setMuxPad(pad *graph.Pad) {
	s.mu.Lock()
	s.muxPad = pad
	s.mu.Unlock()
}

// MuxPad returns the borrowed muxer pad handle, or nil before linking.
func (s *VideoSource) MuxPad() *graph.Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muxPad
}

// addExtra records helper elements (videorate, capsfilter) inserted for
// this source so removal can dispose them.
func (s *VideoSource) addExtra(elements ...graph.Element) {
	s.mu.Lock()
	s.extra = append(s.extra, elements...)
	s.mu.Unlock()
}

// extras returns the helper elements inserted for this source.
func (s *VideoSource) extras() []graph.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Element, len(s.extra))
	copy(out, s.extra)
	return out
}

// sanitizeURI reduces a URI to a short, log- and filename-safe tag.
func sanitizeURI(uri string) string {
	var b strings.Builder
	for _, r := range uri {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		s = "source"
	}
	return s
}
