// Package terminal is the interactive approval surface. It renders pending
// approval requests on the console, collects the operator's answer, and
// resolves the request on the broker.
package terminal

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/approval"
)

// Input pumps lines from one reader into a channel so multiple consumers
// (the operator console, approval prompts) take turns on the same terminal
// without racing on the underlying reader. The channel closes when the
// reader is exhausted.
type Input struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan string
}

// NewInput wraps a reader. A *bufio.Reader is used as-is so buffered input
// is not lost.
func NewInput(r io.Reader) *Input {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Input{r: br, lines: make(chan string)}
}

// Lines returns the shared line channel, starting the pump on first use.
func (i *Input) Lines() <-chan string {
	i.once.Do(func() {
		go func() {
			defer close(i.lines)
			for {
				line, err := i.r.ReadString('\n')
				if line != "" {
					i.lines <- line
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return i.lines
}

// Approver implements approval.Publisher over a shared terminal.
type Approver struct {
	broker *approval.Broker
	in     *Input
	out    io.Writer
	log    zerolog.Logger

	// mu serializes prompts so concurrent requests never interleave on the
	// console.
	mu sync.Mutex
}

// NewApprover creates an Approver bound to the broker.
func NewApprover(broker *approval.Broker, in *Input, out io.Writer, log zerolog.Logger) *Approver {
	return &Approver{
		broker: broker,
		in:     in,
		out:    out,
		log:    log,
	}
}

// PublishApprovalRequest renders the request and collects the decision on
// its own goroutine; the broker's timeout keeps running while the operator
// reads the prompt. A prompt whose request resolves while unanswered is
// abandoned so it never blocks the ones queued behind it.
func (a *Approver) PublishApprovalRequest(e approval.Event) {
	go a.prompt(e)
}

func (a *Approver) prompt(e approval.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The request may have resolved while this prompt was queued behind an
	// earlier one; don't ask a question nobody is waiting on.
	if req, ok := a.broker.Get(e.ID); !ok || req.Status.Terminal() {
		a.log.Debug().Str("approval_id", e.ID).Msg("skipping resolved request")
		return
	}

	var decision approval.Decision
	var answered bool
	switch e.Kind {
	case approval.KindElicitation:
		decision, answered = a.promptElicitation(e)
	case approval.KindCommandConfirmation:
		fmt.Fprintf(a.out, "\n[approval] run command?\n  %s\n", e.Payload.Command)
		decision.Approve, answered = a.readYesNo(e.ID)
	default:
		fmt.Fprintf(a.out, "\n[approval] run tool '%s'?\n", e.Payload.Tool)
		for _, k := range sortedKeys(e.Payload.Args) {
			fmt.Fprintf(a.out, "  %s: %v\n", k, e.Payload.Args[k])
		}
		decision.Approve, answered = a.readYesNo(e.ID)
	}
	if !answered {
		return
	}
	if !decision.Approve && decision.Reason == "" {
		decision.Reason = "declined by operator"
	}

	if err := a.broker.Resolve(e.ID, decision); err != nil {
		// Losing the race to a timeout or cancellation is normal.
		a.log.Debug().Err(err).Str("approval_id", e.ID).Msg("decision not applied")
	}
}

type awaitStatus int

const (
	awaitLine awaitStatus = iota
	awaitEOF
	awaitResolved
)

func (a *Approver) promptElicitation(e approval.Event) (approval.Decision, bool) {
	fmt.Fprintf(a.out, "\n[input needed] %s\n", e.Payload.Prompt)
	form := make(map[string]any)
	for _, field := range schemaFields(e.Payload.Schema) {
		fmt.Fprintf(a.out, "  %s: ", field)
		line, st := a.await(e.ID)
		switch st {
		case awaitEOF:
			return approval.Decision{Reason: "input closed"}, true
		case awaitResolved:
			return approval.Decision{}, false
		}
		form[field] = line
	}
	return approval.Decision{Approve: true, FormData: form}, true
}

func (a *Approver) readYesNo(id string) (bool, bool) {
	for {
		fmt.Fprint(a.out, "approve? [y/N] ")
		line, st := a.await(id)
		switch st {
		case awaitEOF:
			return false, true
		case awaitResolved:
			return false, false
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, true
		case "", "n", "no":
			return false, true
		}
	}
}

// await waits for the operator's next line or the request's resolution,
// whichever comes first. An abandoned prompt releases the console instead
// of blocking later prompts behind a stale question; a line typed for it
// afterwards falls through to whoever reads the console next.
func (a *Approver) await(id string) (string, awaitStatus) {
	select {
	case line, ok := <-a.in.Lines():
		if !ok {
			return "", awaitEOF
		}
		return strings.TrimSpace(line), awaitLine
	case <-a.broker.Done(id):
		fmt.Fprintln(a.out, "(request no longer pending)")
		return "", awaitResolved
	}
}

// schemaFields extracts the property names of an object schema in stable
// order.
func schemaFields(schema map[string]any) []string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(props))
	for k := range props {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
