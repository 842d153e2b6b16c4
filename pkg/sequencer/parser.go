package sequencer

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/voice"
)

// Extension is the file extension of score files.
const Extension = ".synthSequence"

const maxIncludeDepth = 16

// OpenFunc opens the score named by an include command.
type OpenFunc func(name string) (io.ReadCloser, error)

// ParseSequence reads a score. Times are shifted by timeOffset after being
// scaled by timeScale. Include commands are resolved through open; with a
// nil open they are skipped. Malformed lines are logged and skipped, so the
// result is always usable, possibly empty. Events are sorted by start time,
// ties kept in score order.
func ParseSequence(r io.Reader, timeOffset, timeScale float64, open OpenFunc) []*Event {
	p := &parser{open: open}
	return p.parse(r, "", timeOffset, timeScale)
}

type parser struct {
	open  OpenFunc
	stack []string
}

// lineState is the running time transform of one score.
type lineState struct {
	offset float64 // timeOffset argument
	scale  float64 // timeScale argument
	shift  float64 // accumulated '>' commands
	tempo  float64 // seconds per beat from 't'
}

func (s *lineState) at(t float64) float64   { return s.offset + s.scale*(s.shift+t*s.tempo) }
func (s *lineState) span(d float64) float64 { return s.scale * d * s.tempo }

func (p *parser) parse(r io.Reader, name string, timeOffset, timeScale float64) []*Event {
	st := lineState{offset: timeOffset, scale: timeScale, tempo: 1}
	var events []*Event

	scanner := bufio.NewScanner(r)
	lineNo := 0
scan:
	for scanner.Scan() {
		lineNo++
		tokens := tokenize(scanner.Text())
		if len(tokens) == 0 || strings.HasPrefix(tokens[0], "#") {
			continue
		}
		logger := log.WithFields(logrus.Fields{"sequence": name, "line": lineNo})
		cmd, args := tokens[0], tokens[1:]

		switch cmd {
		case "@":
			if len(args) < 3 {
				logger.Warnf("'@' needs start, duration and voice type: %q", scanner.Text())
				continue
			}
			start, err1 := strconv.ParseFloat(args[0], 64)
			dur, err2 := strconv.ParseFloat(args[1], 64)
			if err1 != nil || err2 != nil || dur < 0 {
				logger.Warnf("Bad '@' times: %q", scanner.Text())
				continue
			}
			events = append(events, NewVoiceEvent(st.at(start), st.span(dur), unquote(args[2]), parseFields(args[3:])))

		case "+":
			if len(args) < 3 {
				logger.Warnf("'+' needs start, id and voice type: %q", scanner.Text())
				continue
			}
			start, err1 := strconv.ParseFloat(args[0], 64)
			id, err2 := parseID(args[1])
			if err1 != nil || err2 != nil {
				logger.Warnf("Bad '+' start or id: %q", scanner.Text())
				continue
			}
			e := NewVoiceEvent(st.at(start), -1, unquote(args[2]), parseFields(args[3:]))
			e.ID = id
			events = append(events, e)

		case "-":
			if len(args) < 2 {
				logger.Warnf("'-' needs time and id: %q", scanner.Text())
				continue
			}
			t, err1 := strconv.ParseFloat(args[0], 64)
			id, err2 := parseID(args[1])
			if err1 != nil || err2 != nil {
				logger.Warnf("Bad '-' time or id: %q", scanner.Text())
				continue
			}
			if !closeVoice(events, id, st.at(t)) {
				logger.Warnf("'-' for voice %d without a sounding '+'", id)
			}

		case "=":
			if len(args) < 2 {
				logger.Warnf("'=' needs time and sequence name: %q", scanner.Text())
				continue
			}
			t, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				logger.Warnf("Bad '=' time: %q", scanner.Text())
				continue
			}
			scale := 1.0
			if len(args) > 2 {
				if scale, err = strconv.ParseFloat(args[2], 64); err != nil || scale <= 0 {
					logger.Warnf("Bad '=' time scale: %q", scanner.Text())
					continue
				}
			}
			events = append(events, p.include(logger, unquote(args[1]), st.at(t), st.scale*st.tempo*scale)...)

		case ">":
			if len(args) < 1 {
				logger.Warn("'>' needs an offset")
				continue
			}
			shift, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				logger.Warnf("Bad '>' offset: %q", scanner.Text())
				continue
			}
			st.shift += shift

		case "t":
			if len(args) < 1 {
				logger.Warn("'t' needs a tempo")
				continue
			}
			bpm, err := strconv.ParseFloat(args[0], 64)
			if err != nil || bpm <= 0 {
				logger.Warnf("Bad tempo: %q", scanner.Text())
				continue
			}
			events = append(events, &Event{Kind: EventTempo, StartTime: st.at(0), Duration: 0, ID: -1, Tempo: bpm})
			st.tempo = 60 / bpm

		case "::":
			break scan

		default:
			logger.Warnf("Unknown score command %q", cmd)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("Reading sequence %q: %v", name, err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime < events[j].StartTime
	})
	return events
}

func (p *parser) include(logger *logrus.Entry, name string, start, scale float64) []*Event {
	if p.open == nil {
		logger.Warnf("Cannot include %q: no sequence directory", name)
		return nil
	}
	if len(p.stack) >= maxIncludeDepth {
		logger.Errorf("Cannot include %q: nesting deeper than %d", name, maxIncludeDepth)
		return nil
	}
	for _, open := range p.stack {
		if open == name {
			logger.Errorf("Cannot include %q: it includes itself", name)
			return nil
		}
	}

	rc, err := p.open(name)
	if err != nil {
		logger.Errorf("Cannot include %q: %v", name, err)
		return nil
	}
	defer rc.Close()

	p.stack = append(p.stack, name)
	defer func() { p.stack = p.stack[:len(p.stack)-1] }()
	return p.parse(rc, name, start, scale)
}

// closeVoice sets the duration of the latest open '+' event for id.
func closeVoice(events []*Event, id int, end float64) bool {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind == EventVoice && e.ID == id && e.Duration < 0 {
			e.Duration = max(end-e.StartTime, 0)
			return true
		}
	}
	return false
}

func parseID(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func parseFields(tokens []string) []voice.ParamField {
	if len(tokens) == 0 {
		return nil
	}
	fields := make([]voice.ParamField, len(tokens))
	for i, tok := range tokens {
		fields[i] = voice.ParseField(tok)
	}
	return fields
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}

// tokenize splits a line on whitespace. Double-quoted tokens keep their
// quotes and may contain spaces and backslash escapes.
func tokenize(line string) []string {
	var tokens []string
	i := 0
	for i < len(line) {
		if isSpace(line[i]) {
			i++
			continue
		}
		start := i
		if line[i] == '"' {
			end := closingQuote(line, i+1)
			if end < 0 {
				tokens = append(tokens, line[i:])
				break
			}
			i = end + 1
		} else {
			for i < len(line) && !isSpace(line[i]) {
				i++
			}
		}
		tokens = append(tokens, line[start:i])
	}
	return tokens
}

// closingQuote returns the index of the first unescaped '"' at or after
// from, or -1.
func closingQuote(line string, from int) int {
	for j := from; j < len(line); j++ {
		switch line[j] {
		case '\\':
			j++
		case '"':
			return j
		}
	}
	return -1
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' }
