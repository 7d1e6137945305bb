package queue

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/execext"
	"github.com/alexisbeaulieu97/kiln/internal/outputval"
)

// statusLevel selects the color of a status line.
type statusLevel int

const (
	statusSuccess statusLevel = iota
	statusWarning
	statusFailure
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func styleFor(level statusLevel) lipgloss.Style {
	switch level {
	case statusWarning:
		return warningStyle
	case statusFailure:
		return failureStyle
	}
	return successStyle
}

// resultPrintData is everything needed to render one node result,
// copied so failure output can be deferred to the end of the build.
type resultPrintData struct {
	node             *dag.NodeData
	cmdLine          string
	output           string
	verbose          bool
	duration         time.Duration
	validation       outputval.Result
	untouchedOutputs []string
	processed        int
	level            statusLevel
	returnCode       int
	wasSignalled     bool
	wasAborted       bool
}

// Printer renders node results and progress lines. All methods must be
// called with the queue lock held so lines never interleave.
type Printer struct {
	out             io.Writer
	emitColors      bool
	echoCmdLines    bool
	echoAnnotations bool
	totalNodes      int

	// deferFailures batches failure diagnostics until Flush so they land
	// grouped at the end of the log.
	deferFailures bool
	deferred      []resultPrintData

	lastProgressTime time.Time
	lastProgressNode *dag.NodeData
	resultsPrinted   int
}

// NewPrinter builds a printer for one queue run. Colors are enabled on
// TTYs; DOWNSTREAM_STDOUT_CONSUMER_SUPPORTS_COLOR=0/1 overrides.
func NewPrinter(out io.Writer, totalNodes int, echoCmdLines, echoAnnotations, deferFailures bool) *Printer {
	p := &Printer{
		out:             out,
		echoCmdLines:    echoCmdLines,
		echoAnnotations: echoAnnotations,
		totalNodes:      totalNodes,
		deferFailures:   deferFailures,
		// Far enough in the past that the first BUSY line is not gated.
		lastProgressTime: time.Now().Add(-time.Minute),
	}

	if f, ok := out.(*os.File); ok {
		p.emitColors = term.IsTerminal(int(f.Fd()))
	}
	switch os.Getenv("DOWNSTREAM_STDOUT_CONSUMER_SUPPORTS_COLOR") {
	case "1":
		p.emitColors = true
	case "0":
		p.emitColors = false
	}

	return p
}

func (p *Printer) render(level statusLevel, s string) string {
	if !p.emitColors {
		return s
	}
	return styleFor(level).Render(s)
}

func (p *Printer) progressWidth() int {
	return len(fmt.Sprintf("%d", p.totalNodes))
}

func (p *Printer) printStatusLine(duration time.Duration, progress string, level statusLevel, annotation string) {
	prefix := fmt.Sprintf("[%s %2ds] ", progress, int(duration.Seconds()))
	if level == statusFailure {
		if !p.emitColors {
			prefix = "[!FAILED! " + strings.TrimPrefix(prefix, "[")
		}
		fmt.Fprintln(p.out, p.render(level, prefix+annotation))
		return
	}
	fmt.Fprintln(p.out, p.render(level, prefix)+annotation)
}

// PrintResult renders (or defers) the outcome of one executed node;
// processed is the running count shown in the progress column.
func (p *Printer) PrintResult(res *execext.Result, node *dag.NodeData, cmdLine string, processed int, duration time.Duration, validation outputval.Result, untouchedOutputs []string) {
	failed := res.ReturnCode != 0 || res.WasSignalled || validation.Fails()
	verbose := (failed && !res.WasAborted) || p.echoCmdLines

	data := resultPrintData{
		node:             node,
		cmdLine:          cmdLine,
		verbose:          verbose,
		duration:         duration,
		validation:       validation,
		untouchedOutputs: untouchedOutputs,
		processed:        processed,
		returnCode:       res.ReturnCode,
		wasSignalled:     res.WasSignalled,
		wasAborted:       res.WasAborted,
		level:            statusSuccess,
	}
	if failed {
		data.level = statusFailure
	}

	output := strings.TrimRight(res.Output, "\r\n")
	if !p.emitColors {
		output = StripAnsiColors(output)
	}
	if output != "" && (verbose || validation != outputval.SwallowStdout) {
		data.output = output
	}

	switch {
	case failed && p.deferFailures:
		p.deferred = append(p.deferred, data)
	case failed || p.echoAnnotations:
		p.printNodeResult(&data)
	}

	p.resultsPrinted++
	p.lastProgressTime = time.Now()
	p.lastProgressNode = node
}

func (p *Printer) printNodeResult(data *resultPrintData) {
	width := p.progressWidth()
	progress := fmt.Sprintf("%*d/%d", width, data.processed, p.totalNodes)
	p.printStatusLine(data.duration, progress, data.level, data.node.Annotation)

	if data.verbose {
		p.printDiagnostic("CommandLine", data.cmdLine)

		if len(data.node.Env) > 0 {
			p.printDiagnosticPrefix("Custom Environment Variables", statusWarning)
			for _, e := range data.node.Env {
				fmt.Fprintf(p.out, "%s=%s\n", e.Name, e.Value)
			}
		}

		if data.returnCode == 0 && !data.wasSignalled {
			switch data.validation {
			case outputval.UnexpectedConsoleOutputFail:
				p.printDiagnosticPrefix("Failed because this command wrote something to the output that wasn't expected. We were expecting any of the following strings:", statusFailure)
				if len(data.node.AllowedOutputSubstrings) == 0 {
					fmt.Fprintln(p.out, "<< no allowed strings >>")
				}
				for _, s := range data.node.AllowedOutputSubstrings {
					fmt.Fprintln(p.out, s)
				}
			case outputval.UnwrittenOutputFileFail:
				p.printDiagnosticPrefix("Failed because this command failed to write the following output files:", statusFailure)
				for _, f := range data.untouchedOutputs {
					fmt.Fprintln(p.out, f)
				}
			}
		}

		if data.wasSignalled {
			p.printDiagnostic("Was Signaled", "Yes")
		}
		if data.wasAborted {
			p.printDiagnostic("Was Aborted", "Yes")
		}
		if data.returnCode != 0 {
			p.printDiagnostic("ExitCode", fmt.Sprintf("%d", data.returnCode))
		}
	}

	if data.output != "" {
		if data.verbose {
			p.printDiagnosticPrefix("Output", statusWarning)
		}
		fmt.Fprintln(p.out, data.output)
	}
}

func (p *Printer) printDiagnosticPrefix(title string, level statusLevel) {
	fmt.Fprintln(p.out, p.render(level, "##### "+title))
}

func (p *Printer) printDiagnostic(title, contents string) {
	if contents == "" {
		return
	}
	p.printDiagnosticPrefix(title, statusWarning)
	fmt.Fprintln(p.out, contents)
}

// PrintNonNodeActionResult reports work outside the node count: shared
// resource lifecycle and throttling notices.
func (p *Printer) PrintNonNodeActionResult(duration time.Duration, level statusLevel, annotation string, res *execext.Result) {
	width := p.progressWidth()
	progress := strings.Repeat(" ", width*2+1)
	p.printStatusLine(duration, progress, level, annotation)
	if res != nil && res.ReturnCode != 0 {
		output := strings.TrimRight(res.Output, "\r\n")
		if output != "" {
			fmt.Fprintln(p.out, output)
		}
	}
}

// PrintInProgress emits a BUSY line for a long-running node, throttled so
// progress chatter stays readable: 10 s between lines for one node, 5 s
// across nodes, and nothing at all unless the job has been running longer
// than 5 s (30 s of global silence lifts that gate). Returns the delay
// before the next check.
func (p *Printer) PrintInProgress(node *dag.NodeData, startedAt time.Time) time.Duration {
	now := time.Now()
	runningFor := now.Sub(startedAt)
	sinceAny := now.Sub(p.lastProgressTime)

	acceptableGap := 5 * time.Second
	if p.lastProgressNode == node {
		acceptableGap = 10 * time.Second
	} else if p.resultsPrinted == 0 && p.lastProgressNode == nil {
		acceptableGap = 0
	}

	onlyIfSlowerThan := 5 * time.Second
	if sinceAny > 30*time.Second {
		onlyIfSlowerThan = 0
	}

	if sinceAny > acceptableGap && runningFor > onlyIfSlowerThan {
		width := p.progressWidth()
		busy := p.render(statusWarning, fmt.Sprintf("[BUSY %*ds] ", width*2-1, int(runningFor.Seconds())))
		fmt.Fprintf(p.out, "%s%s\n", busy, node.Annotation)
		p.lastProgressTime = now
		p.lastProgressNode = node
	}

	return time.Second
}

// Flush prints every deferred failure. Called at queue teardown under the
// queue lock.
func (p *Printer) Flush() {
	for i := range p.deferred {
		p.printNodeResult(&p.deferred[i])
	}
	p.deferred = nil
}

// StripAnsiColors removes ANSI escape sequences (the CSI family child
// compilers emit for colors) from s.
func StripAnsiColors(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && !isAnsiTerminator(s[j]) {
				j++
			}
			if j < len(s) {
				i = j + 1
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func isAnsiTerminator(c byte) bool {
	return c >= 0x40 && c <= 0x7e
}
