// Package reporter formats scenario results as text, JSON or JUnit XML.
package reporter

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/subplex/subplex-go/internal/testharness/engine"
)

// Reporter writes results.
type Reporter interface {
	ReportSuite(result *engine.SuiteResult)
	ReportTest(result *engine.TestResult)
}

// Status strings shared by the text and JSON formats.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

func status(result *engine.TestResult) string {
	switch {
	case result.Skipped:
		return StatusSkipped
	case result.Passed:
		return StatusPassed
	default:
		return StatusFailed
	}
}

func passRate(result *engine.SuiteResult) float64 {
	run := result.PassCount + result.FailCount
	if run == 0 {
		return 0
	}
	return float64(result.PassCount) / float64(run) * 100
}

func sortedKeys(m map[string]*engine.ExpectResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round(d time.Duration) time.Duration { return d.Round(time.Millisecond) }

// TextReporter writes a human-readable report.
type TextReporter struct {
	w       io.Writer
	verbose bool
}

// NewTextReporter creates a text reporter. Verbose adds per-step detail.
func NewTextReporter(w io.Writer, verbose bool) *TextReporter {
	return &TextReporter{w: w, verbose: verbose}
}

// ReportSuite writes every scenario followed by a summary.
func (r *TextReporter) ReportSuite(result *engine.SuiteResult) {
	fmt.Fprintf(r.w, "\n=== Suite: %s ===\n\n", result.SuiteName)

	for _, tr := range result.Results {
		r.ReportTest(tr)
	}

	fmt.Fprintf(r.w, "\n--- Summary ---\n")
	fmt.Fprintf(r.w, "Total:    %d\n", len(result.Results))
	fmt.Fprintf(r.w, "Passed:   %d\n", result.PassCount)
	fmt.Fprintf(r.w, "Failed:   %d\n", result.FailCount)
	fmt.Fprintf(r.w, "Skipped:  %d\n", result.SkipCount)
	if result.PassCount+result.FailCount > 0 {
		fmt.Fprintf(r.w, "Pass rate: %.1f%%\n", passRate(result))
	}
	fmt.Fprintf(r.w, "Duration: %s\n", round(result.Duration))
}

// ReportTest writes one scenario line, plus steps in verbose mode.
func (r *TextReporter) ReportTest(result *engine.TestResult) {
	sc := result.Scenario
	label := sc.ID
	if sc.Name != "" {
		label += " - " + sc.Name
	}
	fmt.Fprintf(r.w, "[%-7s] %s (%s)\n", status(result), label, round(result.Duration))

	if result.Skipped {
		fmt.Fprintf(r.w, "          skip: %s\n", result.SkipReason)
		return
	}
	if result.Error != nil {
		fmt.Fprintf(r.w, "          error: %v\n", result.Error)
	}
	if !r.verbose {
		return
	}

	for _, sr := range result.StepResults {
		mark := "ok"
		if !sr.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(r.w, "    %2d. %-16s %-4s %s\n", sr.StepIndex+1, sr.Step.Action, mark, round(sr.Duration))
		if sr.Step.Description != "" {
			fmt.Fprintf(r.w, "        %s\n", sr.Step.Description)
		}
		for _, key := range sortedKeys(sr.ExpectResults) {
			er := sr.ExpectResults[key]
			check := "+"
			if !er.Passed {
				check = "-"
			}
			fmt.Fprintf(r.w, "        %s %s: %s\n", check, key, er.Message)
		}
	}
}

// JSONReporter writes one JSON document per report call.
type JSONReporter struct {
	w      io.Writer
	pretty bool
}

// NewJSONReporter creates a JSON reporter.
func NewJSONReporter(w io.Writer, pretty bool) *JSONReporter {
	return &JSONReporter{w: w, pretty: pretty}
}

// SuiteReport is the JSON form of a suite result.
type SuiteReport struct {
	Suite    string       `json:"suite"`
	Duration string       `json:"duration"`
	Total    int          `json:"total"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Skipped  int          `json:"skipped"`
	PassRate float64      `json:"pass_rate"`
	Tests    []TestReport `json:"tests"`
}

// TestReport is the JSON form of a scenario result.
type TestReport struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Status     string       `json:"status"`
	Duration   string       `json:"duration"`
	Error      string       `json:"error,omitempty"`
	SkipReason string       `json:"skip_reason,omitempty"`
	Steps      []StepReport `json:"steps,omitempty"`
}

// StepReport is the JSON form of a step result.
type StepReport struct {
	Index    int                     `json:"index"`
	Action   string                  `json:"action"`
	Passed   bool                    `json:"passed"`
	Duration string                  `json:"duration"`
	Error    string                  `json:"error,omitempty"`
	Expect   map[string]ExpectReport `json:"expect,omitempty"`
	Outputs  map[string]any          `json:"outputs,omitempty"`
}

// ExpectReport is the JSON form of an expectation result.
type ExpectReport struct {
	Passed   bool   `json:"passed"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual,omitempty"`
	Message  string `json:"message"`
}

// ReportSuite writes the suite as a single document.
func (r *JSONReporter) ReportSuite(result *engine.SuiteResult) {
	doc := SuiteReport{
		Suite:    result.SuiteName,
		Duration: round(result.Duration).String(),
		Total:    len(result.Results),
		Passed:   result.PassCount,
		Failed:   result.FailCount,
		Skipped:  result.SkipCount,
		PassRate: passRate(result),
		Tests:    make([]TestReport, 0, len(result.Results)),
	}
	for _, tr := range result.Results {
		doc.Tests = append(doc.Tests, NewTestReport(tr))
	}
	r.write(doc)
}

// ReportTest writes one scenario as a document.
func (r *JSONReporter) ReportTest(result *engine.TestResult) {
	r.write(NewTestReport(result))
}

// NewTestReport converts a scenario result to its JSON form.
func NewTestReport(result *engine.TestResult) TestReport {
	tr := TestReport{
		ID:         result.Scenario.ID,
		Name:       result.Scenario.Name,
		Tags:       result.Scenario.Tags,
		Status:     status(result),
		Duration:   round(result.Duration).String(),
		SkipReason: result.SkipReason,
	}
	if result.Error != nil {
		tr.Error = result.Error.Error()
	}

	for _, sr := range result.StepResults {
		step := StepReport{
			Index:    sr.StepIndex,
			Action:   sr.Step.Action,
			Passed:   sr.Passed,
			Duration: round(sr.Duration).String(),
		}
		if sr.Error != nil {
			step.Error = sr.Error.Error()
		}
		if len(sr.Output) > 0 {
			step.Outputs = sr.Output
		}
		if len(sr.ExpectResults) > 0 {
			step.Expect = make(map[string]ExpectReport, len(sr.ExpectResults))
			for key, er := range sr.ExpectResults {
				step.Expect[key] = ExpectReport{
					Passed:   er.Passed,
					Expected: er.Expected,
					Actual:   er.Actual,
					Message:  er.Message,
				}
			}
		}
		tr.Steps = append(tr.Steps, step)
	}
	return tr
}

func (r *JSONReporter) write(v any) {
	enc := json.NewEncoder(r.w)
	if r.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(r.w, "{\"error\":%q}\n", err.Error())
	}
}

// JUnitReporter writes JUnit XML for CI systems.
type JUnitReporter struct {
	w io.Writer
}

// NewJUnitReporter creates a JUnit reporter.
func NewJUnitReporter(w io.Writer) *JUnitReporter {
	return &JUnitReporter{w: w}
}

type junitSuite struct {
	XMLName  xml.Name    `xml:"testsuite"`
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
	Failure   *junitMessage `xml:"failure,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func seconds(d time.Duration) string { return fmt.Sprintf("%.3f", d.Seconds()) }

// ReportSuite writes the suite as a <testsuite> document.
func (r *JUnitReporter) ReportSuite(result *engine.SuiteResult) {
	suite := junitSuite{
		Name:     result.SuiteName,
		Tests:    len(result.Results),
		Failures: result.FailCount,
		Skipped:  result.SkipCount,
		Time:     seconds(result.Duration),
	}
	for _, tr := range result.Results {
		name := tr.Scenario.Name
		if name == "" {
			name = tr.Scenario.ID
		}
		c := junitCase{Name: name, ClassName: tr.Scenario.ID, Time: seconds(tr.Duration)}
		switch {
		case tr.Skipped:
			c.Skipped = &junitMessage{Message: tr.SkipReason}
		case !tr.Passed:
			msg := &junitMessage{Message: "failed"}
			if tr.Error != nil {
				msg.Message = tr.Error.Error()
			}
			for _, sr := range tr.StepResults {
				if !sr.Passed {
					msg.Body += fmt.Sprintf("step %d (%s): %v\n", sr.StepIndex+1, sr.Step.Action, sr.Error)
				}
			}
			c.Failure = msg
		}
		suite.Cases = append(suite.Cases, c)
	}

	io.WriteString(r.w, xml.Header)
	enc := xml.NewEncoder(r.w)
	enc.Indent("", "  ")
	if err := enc.Encode(suite); err != nil {
		fmt.Fprintf(r.w, "<!-- %v -->", err)
	}
	io.WriteString(r.w, "\n")
}

// ReportTest writes a single scenario wrapped in a suite.
func (r *JUnitReporter) ReportTest(result *engine.TestResult) {
	suite := &engine.SuiteResult{
		SuiteName: result.Scenario.ID,
		Results:   []*engine.TestResult{result},
		Duration:  result.Duration,
	}
	switch status(result) {
	case StatusSkipped:
		suite.SkipCount = 1
	case StatusPassed:
		suite.PassCount = 1
	default:
		suite.FailCount = 1
	}
	r.ReportSuite(suite)
}
