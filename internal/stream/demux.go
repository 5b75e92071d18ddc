// Package stream separates the human-facing text of a generator response
// from the analysis block trailing it, while the response is still arriving.
package stream

import (
	"log/slog"
	"strings"
	"unicode"

	"sales-agent/internal/domain"
)

// State is the demultiplexer state.
type State int

const (
	// StateSpeaking forwards human text.
	StateSpeaking State = iota
	// StateParsingAnalysis absorbs the rest of the stream.
	StateParsingAnalysis
)

func (s State) String() string {
	if s == StateParsingAnalysis {
		return "parsing_analysis"
	}
	return "speaking"
}

const (
	defaultFlushThreshold = 48
	defaultEarlyTokens    = 3
	// A buffer this many times the threshold with no whitespace is flushed
	// without waiting for a word boundary.
	hardFlushFactor = 4
)

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithFlushThreshold sets the buffer size above which text is flushed at the
// last whitespace boundary.
func WithFlushThreshold(n int) Option {
	return func(d *Demuxer) {
		if n > 0 {
			d.flushThreshold = n
		}
	}
}

// WithEarlyTokens sets how many leading tokens are flushed immediately.
func WithEarlyTokens(n int) Option {
	return func(d *Demuxer) {
		if n >= 0 {
			d.earlyTokens = n
		}
	}
}

// WithLogger sets the logger used for parse failures and truncation.
func WithLogger(l *slog.Logger) Option {
	return func(d *Demuxer) {
		if l != nil {
			d.logger = l
		}
	}
}

// Demuxer is a two-state parser over generator tokens. It is not safe for
// concurrent use.
type Demuxer struct {
	flushThreshold int
	earlyTokens    int
	logger         *slog.Logger

	state  State
	tokens int
	buf    string
	raw    strings.Builder
	human  strings.Builder
}

// New returns a Demuxer in StateSpeaking.
func New(opts ...Option) *Demuxer {
	d := &Demuxer{
		flushThreshold: defaultFlushThreshold,
		earlyTokens:    defaultEarlyTokens,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state.
func (d *Demuxer) State() State { return d.state }

// Feed consumes one token and returns the human text that may be forwarded
// now, possibly empty.
func (d *Demuxer) Feed(token string) string {
	d.raw.WriteString(token)
	if d.state == StateParsingAnalysis {
		return ""
	}
	d.tokens++
	d.buf += token

	if i, _ := findMarker(d.buf, openMarkers); i >= 0 {
		out := strings.TrimRightFunc(d.buf[:i], unicode.IsSpace)
		d.buf = ""
		d.state = StateParsingAnalysis
		return d.emit(out)
	}

	safe := len(d.buf) - heldPrefix(d.buf)
	if d.tokens <= d.earlyTokens {
		return d.take(safe)
	}
	if len(d.buf) <= d.flushThreshold {
		return ""
	}
	if cut := strings.LastIndexFunc(d.buf[:safe], unicode.IsSpace); cut >= 0 {
		return d.take(cut + 1)
	}
	// The one place a word can be split: a run with no whitespace at all
	// (a URL, a long identifier) is released once it outgrows the hard limit
	// rather than buffered until the stream ends.
	if len(d.buf) > hardFlushFactor*d.flushThreshold {
		return d.take(safe)
	}
	return ""
}

// Flush ends the stream and returns any remaining human text. A trailing
// fragment that could still be the start of a marker is dropped.
func (d *Demuxer) Flush() string {
	if d.state == StateParsingAnalysis {
		return ""
	}
	held := heldPrefix(d.buf)
	if held > 0 {
		d.logger.Debug("stream: dropping trailing marker fragment", "fragment", d.buf[len(d.buf)-held:])
	}
	return d.take(len(d.buf) - held)
}

// Text is the human text emitted so far with outer whitespace trimmed.
func (d *Demuxer) Text() string { return strings.TrimSpace(d.human.String()) }

// Raw is everything fed so far, analysis block included.
func (d *Demuxer) Raw() string { return d.raw.String() }

func (d *Demuxer) take(n int) string {
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return d.emit(out)
}

func (d *Demuxer) emit(s string) string {
	d.human.WriteString(s)
	return s
}

// Result is the outcome of demultiplexing one complete generation.
type Result struct {
	// Text is the reconstructed human-facing reply.
	Text string
	// Analysis is the parsed block, or domain.DefaultAnalysis when Parsed is false.
	Analysis domain.Analysis
	Parsed   bool
	// Truncated is set when the producer failed before the stream completed.
	Truncated bool
	Err       error
}

// Run drains tokens until the channel is closed. Human chunks are passed to
// emit; once emit returns false nothing more is forwarded, but the remaining
// tokens are still consumed so the analysis block can be parsed.
func Run(tokens <-chan domain.Token, emit func(string) bool, opts ...Option) Result {
	d := New(opts...)
	forward := emit != nil
	send := func(s string) {
		if forward && s != "" {
			forward = emit(s)
		}
	}

	var producerErr error
	for tok := range tokens {
		if tok.Err != nil {
			producerErr = tok.Err
			continue
		}
		send(d.Feed(tok.Text))
	}
	send(d.Flush())

	return d.result(producerErr)
}

// Split demultiplexes a response that is already complete.
func Split(full string, opts ...Option) Result {
	d := New(opts...)
	d.Feed(full)
	d.Flush()
	return d.result(nil)
}

func (d *Demuxer) result(producerErr error) Result {
	res := Result{Text: d.Text(), Analysis: domain.DefaultAnalysis()}
	if producerErr != nil {
		res.Truncated = true
		res.Err = producerErr
		d.logger.Warn("stream: generation truncated, analysis discarded", "err", producerErr, "state", d.state)
		return res
	}
	a, err := ParseAnalysis(d.Raw())
	if err != nil {
		d.logger.Warn("stream: analysis unavailable, using default", "err", err)
		return res
	}
	res.Analysis = a
	res.Parsed = true
	return res
}
