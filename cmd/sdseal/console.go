package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/sdseal/internal/controller"
	"github.com/mattjoyce/sdseal/internal/platform"
)

var (
	colorPass  = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail  = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
)

type styles struct {
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	dim     lipgloss.Style
	bold    lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{success: plain, warning: plain, failure: plain, dim: plain, bold: plain}
	}
	return styles{
		success: lipgloss.NewStyle().Foreground(colorPass).Bold(true),
		warning: lipgloss.NewStyle().Foreground(colorWarn).Bold(true),
		failure: lipgloss.NewStyle().Foreground(colorFail).Bold(true),
		dim:     lipgloss.NewStyle().Foreground(colorMuted),
		bold:    lipgloss.NewStyle().Bold(true),
	}
}

// console renders controller progress. On a terminal each poll prints a
// dot; otherwise only status changes are printed.
type console struct {
	out          io.Writer
	tty          bool
	st           styles
	pollInterval time.Duration

	dots       bool
	lastStatus platform.Status
}

func newConsole(out io.Writer, colorMode string, pollInterval time.Duration) *console {
	tty := isTerminal(out)
	color := colorMode == "always" || (colorMode == "auto" && tty && os.Getenv("NO_COLOR") == "")
	return &console{out: out, tty: tty, st: newStyles(color), pollInterval: pollInterval}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *console) StateChanged(state controller.State, jobID string) {
	switch state {
	case controller.StateBuilding:
		c.println(c.st.dim.Render("Sealing job request..."))
	case controller.StateSubmitted:
		c.println(c.st.success.Render("Job submitted.") + " ID: " + c.st.bold.Render(jobID))
	case controller.StatePolling:
		c.println(c.st.dim.Render(fmt.Sprintf("Polling status every %s...", c.pollInterval)))
	default:
		if state.Terminal() {
			c.endDots()
		}
	}
}

func (c *console) Polled(_ string, status platform.Status, _ int) {
	if c.tty && status.Pending() {
		fmt.Fprint(c.out, ".")
		c.dots = true
		return
	}
	if status != c.lastStatus {
		c.endDots()
		c.println(c.st.dim.Render("status: " + string(status)))
	}
	c.lastStatus = status
}

func (c *console) PollError(_ string, err error, backoff time.Duration) {
	c.endDots()
	c.println(c.st.warning.Render("Polling error:") + fmt.Sprintf(" %v (retrying in %s)", err, backoff))
}

// Report prints the final outcome.
func (c *console) Report(o *controller.Outcome) {
	c.endDots()
	switch o.State {
	case controller.StateCompleted:
		if o.Warning != "" {
			c.println(c.st.warning.Render("Job completed with an unrecognized result:") + " " + o.Warning)
			c.printRaw(o.Raw)
			return
		}
		c.println(c.st.success.Render("Job completed.") + " Image saved to: " + c.st.bold.Render(o.OutputPath))
		if o.Result != nil && o.Result.Stdout != "" {
			c.println(c.st.dim.Render("stdout:") + "\n" + o.Result.Stdout)
		}
	case controller.StateFailed:
		switch o.Source {
		case controller.SourceWorker:
			c.println(c.st.failure.Render("Worker error:") + " " + o.Reason)
			if o.Result != nil && o.Result.Stdout != "" {
				c.println(c.st.dim.Render("stdout:") + "\n" + o.Result.Stdout)
			}
			if o.Result != nil && o.Result.Stderr != "" {
				c.println(c.st.dim.Render("stderr:") + "\n" + o.Result.Stderr)
			}
		case controller.SourcePlatform:
			c.println(c.st.failure.Render("Job failed (platform):") + " " + o.Reason)
		default:
			c.println(c.st.failure.Render("Job failed:") + " " + o.Reason)
		}
	case controller.StateCancelled:
		c.println(c.st.warning.Render("Job cancelled:") + " " + o.Reason)
	case controller.StateInterrupted:
		c.println(c.st.warning.Render("Polling stopped.") + " The job may still be running on the platform.")
		c.println("Resume with: sdseal resume " + o.JobID)
	}
}

func (c *console) printRaw(raw json.RawMessage) {
	var v any
	if json.Unmarshal(raw, &v) == nil {
		if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
			c.println(string(pretty))
			return
		}
	}
	c.println(string(raw))
}

func (c *console) endDots() {
	if c.dots {
		fmt.Fprintln(c.out)
		c.dots = false
	}
}

func (c *console) println(s string) {
	fmt.Fprintln(c.out, s)
}
