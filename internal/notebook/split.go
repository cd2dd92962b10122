package notebook

import "strings"

// Split breaks markdown content into cells: every fenced code block becomes a
// code cell, and the text around fences becomes markdown cells. Blank
// segments produce no cell.
//
// A fence is a line starting (after at most three spaces) with ``` or ~~~;
// a backtick fence may not carry backticks in its info string.
// The first word after the opening fence is the language tag. Any fence line
// without an info string closes the block, whatever its length or character.
// An unterminated block runs to the end of the content.
func Split(content string) []Cell {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")

	var (
		cells  []Cell
		text   []string
		code   []string
		lang   string
		inCode bool
	)

	flushText := func() {
		if s := trimBlankLines(text); s != "" {
			cells = append(cells, Cell{Kind: Markdown, Source: SourceLines(s)})
		}
		text = text[:0]
	}
	flushCode := func() {
		s := strings.Join(code, "\n")
		if strings.TrimSpace(s) != "" {
			cells = append(cells, Cell{Kind: Code, Source: SourceLines(s), Language: lang})
		}
		code = code[:0]
		lang = ""
	}

	for _, line := range lines {
		info, isFence := fence(line)
		switch {
		case !inCode && isFence:
			flushText()
			inCode = true
			lang = languageTag(info)
		case inCode && isFence && strings.TrimSpace(info) == "":
			flushCode()
			inCode = false
		case inCode:
			code = append(code, line)
		default:
			text = append(text, line)
		}
	}
	if inCode {
		flushCode()
	} else {
		flushText()
	}
	return cells
}

// fence reports whether line is a fence line and returns its info string.
func fence(line string) (string, bool) {
	indent := len(line) - len(strings.TrimLeft(line, " "))
	if indent > 3 {
		return "", false
	}
	rest := line[indent:]
	for _, marker := range []byte{'`', '~'} {
		n := 0
		for n < len(rest) && rest[n] == marker {
			n++
		}
		if n < 3 {
			continue
		}
		// A backtick in the info string makes the line an inline code span.
		if marker == '`' && strings.ContainsRune(rest[n:], '`') {
			return "", false
		}
		return rest[n:], true
	}
	return "", false
}

func languageTag(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "{}.")
}

// trimBlankLines joins lines after dropping whitespace-only lines at both
// ends. Indentation of the first kept line is preserved.
func trimBlankLines(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start == end {
		return ""
	}
	return strings.TrimRight(strings.Join(lines[start:end], "\n"), " \t")
}

// SourceLines splits s into notebook source lines. Every line but the last
// keeps its trailing newline; an empty string yields an empty, non-nil slice.
func SourceLines(s string) []string {
	out := strings.SplitAfter(s, "\n")
	if out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}
