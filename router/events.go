package router

import "github.com/jlaneve/jute/wire"

// Event is one observable effect of a request. The set is closed:
// TextOutput, Result, Display, DisplayUpdate, Error and Disconnect.
//
//	for ev := range ch.C() {
//	    switch ev := ev.(type) {
//	    case router.TextOutput:
//	        fmt.Print(ev.Text)
//	    case router.Result:
//	        fmt.Println(ev.Data.Text())
//	    case router.Error:
//	        fmt.Println(ev.Error())
//	    }
//	}
type Event interface {
	event()
}

// TextOutput is text written to a named stream, usually stdout or stderr.
type TextOutput struct {
	Stream string
	Text   string
}

// Result is the value of the executed expression.
type Result struct {
	ExecutionCount int
	Data           wire.MIMEBundle
	Metadata       map[string]any
}

// Display is rich output. DisplayID is always set; kernels that send none
// get a generated one.
type Display struct {
	DisplayID string
	Data      wire.MIMEBundle
	Metadata  map[string]any
}

// DisplayUpdate replaces the output of an earlier Display.
type DisplayUpdate struct {
	DisplayID string
	Data      wire.MIMEBundle
	Metadata  map[string]any
}

// Error is an exception raised by the executed code.
type Error struct {
	EName     string
	EValue    string
	Traceback []string
}

// Error formats the exception as "name: value".
func (e Error) Error() string {
	if e.EValue == "" {
		return e.EName
	}
	return e.EName + ": " + e.EValue
}

// Disconnect is the last event of a request whose kernel went away.
type Disconnect struct {
	Reason string
}

func (TextOutput) event()    {}
func (Result) event()        {}
func (Display) event()       {}
func (DisplayUpdate) event() {}
func (Error) event()         {}
func (Disconnect) event()    {}
