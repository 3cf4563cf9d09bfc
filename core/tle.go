package core

import (
	"fmt"
	"strconv"
	"strings"
)

// tleField is one numeric column of an element line, sliced and cleaned the
// same way satellite.ParseTLE does before it converts the text.
type tleField struct {
	name    string
	line    int // 1 or 2
	integer bool
	text    func(line string) string
}

func squeeze(s string) string { return strings.Replace(s, " ", "", 2) }

var tleFields = []tleField{
	{name: "satellite number", line: 1, integer: true, text: func(l string) string { return strings.TrimSpace(l[2:7]) }},
	{name: "epoch year", line: 1, integer: true, text: func(l string) string { return l[18:20] }},
	{name: "epoch day", line: 1, text: func(l string) string { return l[20:32] }},
	{name: "mean motion dot", line: 1, text: func(l string) string { return squeeze(l[33:43]) }},
	{name: "mean motion ddot", line: 1, text: func(l string) string { return squeeze(l[44:45] + "." + l[45:50] + "e" + l[50:52]) }},
	{name: "bstar", line: 1, text: func(l string) string { return squeeze(l[53:54] + "." + l[54:59] + "e" + l[59:61]) }},
	{name: "inclination", line: 2, text: func(l string) string { return squeeze(l[8:16]) }},
	{name: "right ascension", line: 2, text: func(l string) string { return squeeze(l[17:25]) }},
	{name: "eccentricity", line: 2, text: func(l string) string { return "." + l[26:33] }},
	{name: "argument of perigee", line: 2, text: func(l string) string { return squeeze(l[34:42]) }},
	{name: "mean anomaly", line: 2, text: func(l string) string { return squeeze(l[43:51]) }},
	{name: "mean motion", line: 2, text: func(l string) string { return squeeze(l[52:63]) }},
}

// checkTLE rejects element lines that satellite.TLEToSat cannot parse. That
// parser exits the process on a bad column, so every column it reads is
// converted here first.
func checkTLE(line1, line2 string) error {
	if len(line1) < 69 || len(line2) < 69 || !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
		return fmt.Errorf("%w: malformed element lines", ErrInvalidTLE)
	}
	for _, f := range tleFields {
		line := line1
		if f.line == 2 {
			line = line2
		}
		raw := f.text(line)
		var err error
		if f.integer {
			_, err = strconv.ParseInt(raw, 10, 0)
		} else {
			_, err = strconv.ParseFloat(raw, 64)
		}
		if err != nil {
			return fmt.Errorf("%w: line %d %s %q", ErrInvalidTLE, f.line, f.name, raw)
		}
	}
	return nil
}
