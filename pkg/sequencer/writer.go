package sequencer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/allolib/allosynth/pkg/voice"
)

func formatTime(t float64) string { return strconv.FormatFloat(t, 'g', -1, 64) }

func formatName(name string) string {
	if strings.ContainsAny(name, " \t") {
		return strconv.Quote(name)
	}
	return name
}

// WriteSequence writes events as score lines. Voice events with a known
// duration become '@' lines; open-ended ones become '+' lines. Times are
// written with enough digits to read back exactly.
func WriteSequence(w io.Writer, events []*Event) error {
	bw := bufio.NewWriter(w)
	for _, e := range events {
		if e.Kind != EventVoice {
			continue
		}
		fields := e.Fields
		if fields == nil && e.Voice != nil {
			fields = e.Voice.TriggerParams()
		}

		var line string
		if e.Duration >= 0 && e.ID < 0 {
			line = fmt.Sprintf("@ %s %s %s", formatTime(e.StartTime), formatTime(e.Duration), formatName(e.voiceTypeName()))
		} else {
			line = fmt.Sprintf("+ %s %d %s", formatTime(e.StartTime), e.ID, formatName(e.voiceTypeName()))
		}
		if len(fields) > 0 {
			line += " " + voice.FormatFields(fields)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
		if e.Duration >= 0 && e.ID >= 0 {
			if _, err := fmt.Fprintf(bw, "- %s %d\n", formatTime(e.EndTime()), e.ID); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintln(bw, "::"); err != nil {
		return err
	}
	return bw.Flush()
}
