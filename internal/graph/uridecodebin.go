// SPDX-License-Identifier: MIT

package graph

import (
	"fmt"
	"strings"
	"sync"
)

// TestPatternURI is the special URI served by the in-process engine: a
// synthetic live pattern at 640x480, 30 fps.
const TestPatternURI = "videotestsrc://"

// newURIDecodeBin builds the dynamic decode source. The in-process
// engine serves only TestPatternURI; any other URI posts a resource
// error on the bus once the element reaches Playing, which exercises the
// classification and recovery path exactly like an unreachable stream
// would. The decoded video pad appears via the "pad-added" signal when
// the element leaves Ready upward.
func newURIDecodeBin(name string) (Element, error) {
	e := NewBaseElement("uridecodebin", name)
	_ = e.SetProperty("uri", "")

	var mu sync.Mutex
	var child Element
	var exposed bool

	e.SetTransitionFunc(func(from, to State) error {
		uri, _ := propOf[string](e, "uri")

		if to == StatePlaying && !strings.HasPrefix(uri, TestPatternURI) {
			e.PostError(fmt.Errorf("%w: %s", errNoURIHandler, uri), "no in-process handler for this URI scheme")
			return nil
		}

		if to >= StatePaused && from < StatePaused {
			if !strings.HasPrefix(uri, TestPatternURI) {
				// Defer the failure to Playing so the pipeline builds;
				// unreachable streams fail asynchronously in the field too.
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if child == nil {
				src, err := New("videotestsrc", e.Name()+"-stream")
				if err != nil {
					return err
				}
				child = src
			}
			if _, err := child.SetState(to); err != nil {
				return err
			}
			if !exposed {
				exposed = true
				pad := child.StaticPad("src")
				e.AddStaticPad(pad)
				e.Emit("pad-added", pad)
			}
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if child != nil {
			if _, err := child.SetState(to); err != nil {
				return err
			}
		}
		return nil
	})
	return e, nil
}
