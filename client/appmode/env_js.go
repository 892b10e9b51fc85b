//go:build js && wasm

package appmode

import (
	"fmt"
	"syscall/js"
)

// BrowserEnv reads presentation signals from the page's window.
type BrowserEnv struct {
	window js.Value
}

// NewBrowserEnv binds to the global window.
func NewBrowserEnv() *BrowserEnv {
	return &BrowserEnv{window: js.Global()}
}

func (e *BrowserEnv) DisplayMode() string {
	matchMedia := e.window.Get("matchMedia")
	if matchMedia.Type() != js.TypeFunction {
		return ""
	}
	for _, mode := range []string{"standalone", "fullscreen", "minimal-ui"} {
		mq := e.window.Call("matchMedia", "(display-mode: "+mode+")")
		if mq.Truthy() && mq.Get("matches").Truthy() {
			return mode
		}
	}
	return "browser"
}

func (e *BrowserEnv) NativeStandalone() bool {
	return e.window.Get("navigator").Get("standalone").Truthy()
}

func (e *BrowserEnv) Referrer() string {
	return stringOrEmpty(e.window.Get("document").Get("referrer"))
}

func (e *BrowserEnv) Hostname() string {
	return stringOrEmpty(e.window.Get("location").Get("hostname"))
}

func (e *BrowserEnv) Path() string {
	return stringOrEmpty(e.window.Get("location").Get("pathname"))
}

// IsTopFrame compares window.self with window.top. Reading top from a cross-origin
// frame can throw; that surfaces as an error.
func (e *BrowserEnv) IsTopFrame() (top bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inspect top frame: %v", r)
		}
	}()
	return e.window.Get("self").Equal(e.window.Get("top")), nil
}

// Replace navigates with location.replace so the landing page stays out of history.
func (e *BrowserEnv) Replace(path string) {
	e.window.Get("location").Call("replace", path)
}

func stringOrEmpty(v js.Value) string {
	if v.Type() != js.TypeString {
		return ""
	}
	return v.String()
}
