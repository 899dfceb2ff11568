// Package typer drives incremental live-typing from a sequence of
// growing or oscillating transcription hypotheses, diffing each new
// hypothesis against what is already on screen and emitting the minimal
// batched keystrokes to reconcile them.
package typer

import (
	"strings"
	"unicode"
)

// historyCap bounds how many recent hypotheses are retained for
// stabilized-prefix computation.
const historyCap = 10

// backspaceBatch is the largest group of backspaces sent between short
// sleeps, so window managers with bounded input queues don't drop keys.
const backspaceBatch = 20

// Keystroker issues the actual keyboard events; backed by robotgo at
// wiring time, faked in tests.
type Keystroker interface {
	TypeText(text string)
	Backspace(count int)
	Sleep()
}

// Typer tracks on-screen text and session hypothesis history for one
// live dictation session.
type Typer struct {
	keys Keystroker

	actuallyTyped  string
	fullSessionText string
	stabilizedText  string
	textStorage     []string

	netKeystrokes int
}

// New builds a Typer bound to keys for issuing output.
func New(keys Keystroker) *Typer {
	return &Typer{keys: keys}
}

// NetKeystrokes returns the running total of type/backspace events sent,
// for diagnostics and tests.
func (t *Typer) NetKeystrokes() int {
	return t.netKeystrokes
}

// Update processes one new hypothesis and reconciles the screen to match
// the freshly computed display text.
func (t *Typer) Update(hypothesis string) {
	h := preprocess(hypothesis)
	t.pushHistory(h)
	t.stabilizedText = t.recomputeStabilized()
	t.fullSessionText = growFullSessionText(t.fullSessionText, h)

	display := t.computeDisplay(h)
	t.reconcile(display)
}

// Finalize processes the session's final text (diffed the same way as
// any hypothesis), appends a trailing space, and resets session state
// for a subsequent dictation.
func (t *Typer) Finalize(final string) {
	processed := preprocessFinal(final)
	t.reconcile(processed)
	t.typeText(" ")
	t.actuallyTyped = ""
	t.fullSessionText = ""
	t.stabilizedText = ""
	t.textStorage = nil
}

func (t *Typer) pushHistory(h string) {
	t.textStorage = append(t.textStorage, h)
	if len(t.textStorage) > historyCap {
		t.textStorage = t.textStorage[len(t.textStorage)-historyCap:]
	}
}

// recomputeStabilized grows monotonically: the longest common prefix of
// the last two hypotheses never shrinks across updates.
func (t *Typer) recomputeStabilized() string {
	if len(t.textStorage) < 2 {
		if len(t.textStorage) == 1 {
			return longestCommonPrefix(t.stabilizedText, t.textStorage[0])
		}
		return t.stabilizedText
	}
	prev := t.textStorage[len(t.textStorage)-2]
	cur := t.textStorage[len(t.textStorage)-1]
	lcp := longestCommonPrefix(prev, cur)
	if len(lcp) > len(t.stabilizedText) {
		return lcp
	}
	return t.stabilizedText
}

// growFullSessionText extends full with h: a direct prefix match
// replaces full outright; otherwise a tail-match (the last 3+ chars of
// full reappearing inside h) splices h onto full's confirmed prefix.
func growFullSessionText(full, h string) string {
	if full == "" {
		return h
	}
	if strings.HasPrefix(h, full) {
		return h
	}

	tailLen := 3
	if tailLen > len(full) {
		tailLen = len(full)
	}
	if tailLen == 0 {
		return full
	}
	tail := full[len(full)-tailLen:]
	if idx := strings.Index(h, tail); idx >= 0 {
		return full[:len(full)-tailLen] + h[idx:]
	}
	return full
}

// computeDisplay builds this update's target on-screen text: the
// stabilized prefix plus whatever of H splices past it, or else the
// longer of full/H when no splice point is found.
func (t *Typer) computeDisplay(h string) string {
	if t.stabilizedText != "" && strings.HasPrefix(h, t.stabilizedText) {
		return t.stabilizedText + h[len(t.stabilizedText):]
	}
	if len(t.fullSessionText) >= len(h) {
		return t.fullSessionText
	}
	return h
}

// reconcile diffs display against what's actually on screen and emits
// the minimal batched keystrokes to converge, never over-deleting.
func (t *Typer) reconcile(display string) {
	if strings.HasPrefix(display, t.actuallyTyped) && len(display) > len(t.actuallyTyped) {
		suffix := display[len(t.actuallyTyped):]
		t.typeText(suffix)
		t.actuallyTyped = display
		return
	}

	lcp := longestCommonPrefix(t.actuallyTyped, display)
	deleteCount := len([]rune(t.actuallyTyped)) - len([]rune(lcp))
	if deleteCount > 0 {
		t.backspace(deleteCount)
	}
	suffix := display[len(lcp):]
	if suffix != "" {
		t.typeText(suffix)
	}
	t.actuallyTyped = display
}

func (t *Typer) typeText(s string) {
	if s == "" {
		return
	}
	if t.keys != nil {
		t.keys.TypeText(s)
	}
	t.netKeystrokes += len([]rune(s))
}

func (t *Typer) backspace(count int) {
	if count <= 0 {
		return
	}
	for remaining := count; remaining > 0; {
		batch := remaining
		if batch > backspaceBatch {
			batch = backspaceBatch
		}
		if t.keys != nil {
			t.keys.Backspace(batch)
			t.keys.Sleep()
		}
		remaining -= batch
	}
	t.netKeystrokes += count
}

// preprocess trims leading whitespace, strips a leading "...", collapses
// inner whitespace, and upper-cases the first character.
func preprocess(raw string) string {
	s := strings.TrimLeft(raw, " \t\n\r")
	s = strings.TrimPrefix(s, "...")
	s = strings.TrimLeft(s, " \t\n\r")
	s = strings.Join(strings.Fields(s), " ")
	return upperFirst(s)
}

// preprocessFinal applies preprocess and additionally appends a period
// if the result ends alphanumerically.
func preprocessFinal(raw string) string {
	s := preprocess(raw)
	if s == "" {
		return s
	}
	last := []rune(s)[len([]rune(s))-1]
	if unicode.IsLetter(last) || unicode.IsDigit(last) {
		s += "."
	}
	return s
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func longestCommonPrefix(a, b string) string {
	ra, rb := []rune(a), []rune(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	i := 0
	for i < n && ra[i] == rb[i] {
		i++
	}
	return string(ra[:i])
}
