package agent

import "strings"

// OutputMode controls when streamed assistant text reaches the sink.
type OutputMode string

const (
	// OutputLine flushes each completed line.
	OutputLine OutputMode = "line"
	// OutputParagraph flushes on blank-line boundaries.
	OutputParagraph OutputMode = "paragraph"
	// OutputMessageEnd buffers everything until the run completes.
	OutputMessageEnd OutputMode = "message_end"
)

// OutputSink receives flushed assistant text segments in stream order.
type OutputSink func(text string)

// outputAssembler buffers streamed text and flushes segments to the
// sink according to the output mode. One assembler lives for the whole
// run, so tool-call interruptions never split a buffered segment.
type outputAssembler struct {
	mode OutputMode
	sink OutputSink
	buf  strings.Builder
	all  strings.Builder
}

func newOutputAssembler(mode OutputMode, sink OutputSink) *outputAssembler {
	if mode == "" {
		mode = OutputMessageEnd
	}
	return &outputAssembler{mode: mode, sink: sink}
}

// Write appends streamed text and emits any segments the mode allows.
func (a *outputAssembler) Write(text string) {
	if text == "" {
		return
	}
	a.all.WriteString(text)
	if a.sink == nil || a.mode == OutputMessageEnd {
		return
	}

	a.buf.WriteString(text)
	sep := "\n"
	if a.mode == OutputParagraph {
		sep = "\n\n"
	}

	for {
		content := a.buf.String()
		idx := strings.Index(content, sep)
		if idx < 0 {
			return
		}
		segment := content[:idx]
		a.buf.Reset()
		a.buf.WriteString(content[idx+len(sep):])
		if strings.TrimSpace(segment) != "" {
			a.sink(segment)
		}
	}
}

// Flush emits whatever is buffered. Called once at run completion.
func (a *outputAssembler) Flush() {
	if a.sink == nil {
		return
	}
	var rest string
	if a.mode == OutputMessageEnd {
		rest = a.all.String()
	} else {
		rest = a.buf.String()
		a.buf.Reset()
	}
	if strings.TrimSpace(rest) != "" {
		a.sink(rest)
	}
}

// Accumulated returns all text seen so far, flushed or not.
func (a *outputAssembler) Accumulated() string {
	return a.all.String()
}
