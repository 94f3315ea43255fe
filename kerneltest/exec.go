package kerneltest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/jlaneve/jute/wire"
)

// ExecuteFunc serves one execute_request. Output goes through x. A non-nil
// error becomes an error message on iopub and an error reply; use
// *ExecError to control the exception name.
type ExecuteFunc func(x *Exec, code string) error

// ExecError is an exception raised by executed code.
type ExecError struct {
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecError) Error() string {
	return e.EName + ": " + e.EValue
}

func (e *ExecError) traceback() []string {
	if len(e.Traceback) > 0 {
		return e.Traceback
	}
	return []string{e.Error()}
}

// Exec is the running execution handed to an ExecuteFunc.
type Exec struct {
	ctx        context.Context
	kernel     *Kernel
	req        *wire.Message
	count      int
	allowStdin bool
}

// Context is cancelled when the kernel is interrupted or closed.
func (x *Exec) Context() context.Context {
	return x.ctx
}

// Request returns the execute_request being served.
func (x *Exec) Request() *wire.Message {
	return x.req
}

// Stream publishes text on the named stream.
func (x *Exec) Stream(name, text string) {
	x.kernel.publish(x.req, wire.MsgStream, wire.Stream{Name: name, Text: text})
}

// Result publishes an execute_result.
func (x *Exec) Result(data wire.MIMEBundle) {
	x.kernel.publish(x.req, wire.MsgExecuteResult, wire.ExecuteResult{
		ExecutionCount: x.count,
		Data:           data,
		Metadata:       map[string]any{},
	})
}

// Display publishes display_data. An empty id sends no transient id.
func (x *Exec) Display(id string, data wire.MIMEBundle) {
	x.kernel.publish(x.req, wire.MsgDisplayData, wire.DisplayData{
		Data:      data,
		Metadata:  map[string]any{},
		Transient: wire.Transient{DisplayID: id},
	})
}

// UpdateDisplay publishes update_display_data for id.
func (x *Exec) UpdateDisplay(id string, data wire.MIMEBundle) {
	x.kernel.publish(x.req, wire.MsgUpdateDisplayData, wire.DisplayData{
		Data:      data,
		Metadata:  map[string]any{},
		Transient: wire.Transient{DisplayID: id},
	})
}

// Input asks the client for a line of input over stdin and waits for the
// reply.
func (x *Exec) Input(prompt string, password bool) (string, error) {
	if !x.allowStdin {
		return "", &ExecError{EName: "StdinNotImplementedError", EValue: "input requests are not allowed"}
	}

	k := x.kernel
	msg, err := x.req.Reply(wire.MsgInputRequest, wire.InputRequest{Prompt: prompt, Password: password})
	if err != nil {
		return "", err
	}
	frames, err := k.codec.Frames(msg)
	if err != nil {
		return "", err
	}
	k.stdinMu.Lock()
	err = k.stdin.SendMulti(zmq4.NewMsgFrom(frames...))
	k.stdinMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("send input_request: %w", err)
	}

	select {
	case reply := <-k.inputs:
		return reply.Value, nil
	case <-x.ctx.Done():
		return "", x.ctx.Err()
	}
}

// Sleep waits for d or until the execution is interrupted.
func (x *Exec) Sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-x.ctx.Done():
		return x.ctx.Err()
	}
}

// Script executes code as a sequence of commands, one per line:
//
//	print TEXT          stdout "TEXT\n"
//	eprint TEXT         stderr "TEXT\n"
//	A + B               execute_result with the integer sum
//	display ID TEXT     display_data; ID "-" sends no display id
//	update ID TEXT      update_display_data
//	raise NAME VALUE    error NAME: VALUE
//	input PROMPT        ask for input, then print it
//	sleep DURATION      wait, interruptible
//
// Blank lines are skipped. Anything else raises SyntaxError.
func Script(x *Exec, code string) error {
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := runLine(x, line); err != nil {
			return err
		}
	}
	return nil
}

func runLine(x *Exec, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "print":
		x.Stream("stdout", rest+"\n")
	case "eprint":
		x.Stream("stderr", rest+"\n")
	case "display", "update":
		id, text, _ := strings.Cut(rest, " ")
		if id == "-" {
			id = ""
		}
		data := wire.MIMEBundle{"text/plain": text}
		if cmd == "display" {
			x.Display(id, data)
		} else {
			x.UpdateDisplay(id, data)
		}
	case "raise":
		name, value, _ := strings.Cut(rest, " ")
		return &ExecError{EName: name, EValue: value}
	case "input":
		value, err := x.Input(rest, false)
		if err != nil {
			return err
		}
		x.Stream("stdout", value+"\n")
	case "sleep":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return &ExecError{EName: "ValueError", EValue: err.Error()}
		}
		return x.Sleep(d)
	default:
		if sum, ok := add(line); ok {
			x.Result(wire.MIMEBundle{"text/plain": strconv.Itoa(sum)})
			return nil
		}
		return &ExecError{EName: "SyntaxError", EValue: "invalid syntax: " + line}
	}
	return nil
}

// add evaluates "A + B".
func add(expr string) (int, bool) {
	left, right, ok := strings.Cut(expr, "+")
	if !ok {
		return 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, false
	}
	return a + b, true
}

// words are the names complete and inspect know about.
var words = []string{"display", "eprint", "input", "print", "raise", "sleep", "update"}

func complete(req *wire.Message) wire.CompleteReply {
	var body wire.CompleteRequest
	_ = req.DecodeContent(&body)

	code := body.Code
	if body.CursorPos >= 0 && body.CursorPos <= len(code) {
		code = code[:body.CursorPos]
	}
	start := strings.LastIndexAny(code, " \n") + 1
	prefix := code[start:]

	matches := []string{}
	for _, w := range words {
		if strings.HasPrefix(w, prefix) {
			matches = append(matches, w)
		}
	}
	return wire.CompleteReply{
		Status:      wire.StatusOK,
		Matches:     matches,
		CursorStart: start,
		CursorEnd:   len(code),
		Metadata:    map[string]any{},
	}
}

func inspect(req *wire.Message) wire.InspectReply {
	var body wire.InspectRequest
	_ = req.DecodeContent(&body)

	word := strings.TrimSpace(body.Code)
	for _, w := range words {
		if w == word {
			return wire.InspectReply{
				Status:   wire.StatusOK,
				Found:    true,
				Data:     wire.MIMEBundle{"text/plain": w + ": script command"},
				Metadata: map[string]any{},
			}
		}
	}
	return wire.InspectReply{Status: wire.StatusOK, Data: wire.MIMEBundle{}, Metadata: map[string]any{}}
}
