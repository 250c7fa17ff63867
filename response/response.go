// Package response turns captured device bytes into structured results.
//
// A raw REPL execution produces two byte spans: the stdout section and the
// exception section, delimited by 0x04 markers. Parse decodes them into a
// Response; a non-empty exception section is mapped onto a typed
// ExecutionError by matching the Python exception name in the traceback.
//
// Everything here is pure and lenient: device output is decoded as UTF-8
// with invalid sequences replaced, and a traceback that fits no known
// shape degrades to KindUnknown with the raw text preserved. The mapper
// never fails.
package response

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a device-side exception.
type Kind int

const (
	// KindUnknown is any exception type not in the lookup table, or a
	// traceback with no recognizable structure.
	KindUnknown Kind = iota
	KindSyntaxError
	KindMemoryError
	KindImportError
	KindNameError
	KindValueError
	KindTypeError
	KindOSError
)

// String returns the Python-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSyntaxError:
		return "SyntaxError"
	case KindMemoryError:
		return "MemoryError"
	case KindImportError:
		return "ImportError"
	case KindNameError:
		return "NameError"
	case KindValueError:
		return "ValueError"
	case KindTypeError:
		return "TypeError"
	case KindOSError:
		return "OSError"
	default:
		return "Unknown"
	}
}

// ExecutionError is a device-side exception. It is a meaningful result of
// the code that ran, never a transport fault, and is therefore never
// retried by the connection layer.
type ExecutionError struct {
	Kind    Kind
	Message string
	// Line is the source line from the traceback, 0 when the traceback
	// carried none.
	Line      int
	Traceback string
	// Code is the code whose execution raised the exception.
	Code string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String()
}

// Response is the outcome of one executed chunk of code.
type Response struct {
	// Stdout is the raw stdout section, untouched.
	Stdout []byte
	// ResultText is the lenient UTF-8 decode of Stdout with surrounding
	// whitespace trimmed. For expression-printing code this is the
	// textual result.
	ResultText string
	// Err is non-nil when the exception section was non-empty.
	Err *ExecutionError
}

// exception names matched in traceback text, checked against the earliest
// occurrence. ModuleNotFoundError is a subclass of ImportError and maps
// accordingly.
var kindTable = []struct {
	name string
	kind Kind
}{
	{"SyntaxError", KindSyntaxError},
	{"IndentationError", KindSyntaxError},
	{"MemoryError", KindMemoryError},
	{"ImportError", KindImportError},
	{"ModuleNotFoundError", KindImportError},
	{"NameError", KindNameError},
	{"ValueError", KindValueError},
	{"ZeroDivisionError", KindValueError},
	{"ArithmeticError", KindValueError},
	{"TypeError", KindTypeError},
	{"OSError", KindOSError},
}

var linePattern = regexp.MustCompile(`line (\d+)`)

// Parse builds a Response from the two captured byte spans. code is the
// source that was executed, kept on the error for diagnostics.
func Parse(stdout, exception []byte, code string) *Response {
	resp := &Response{
		Stdout:     stdout,
		ResultText: strings.TrimSpace(decode(stdout)),
	}
	if len(strings.TrimSpace(decode(exception))) > 0 {
		resp.Err = MapError(exception, code)
	}
	return resp
}

// MapError maps a raw traceback onto an ExecutionError. It never returns
// nil and never fails; unrecognized input yields KindUnknown with the
// text preserved.
func MapError(exception []byte, code string) *ExecutionError {
	tb := decode(exception)
	e := &ExecutionError{
		Kind:      KindUnknown,
		Traceback: tb,
		Code:      code,
	}

	// First recognized exception name wins.
	first := -1
	for _, entry := range kindTable {
		if i := indexWord(tb, entry.name); i >= 0 && (first < 0 || i < first) {
			first = i
			e.Kind = entry.kind
		}
	}

	if m := linePattern.FindStringSubmatch(tb); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Line = n
		}
	}

	e.Message = extractMessage(tb)
	return e
}

// indexWord finds name in tb at a position not preceded or followed by an
// identifier character, so "OSError" does not match inside "CustomOSErrorX".
func indexWord(tb, name string) int {
	from := 0
	for {
		i := strings.Index(tb[from:], name)
		if i < 0 {
			return -1
		}
		i += from
		before := i == 0 || !isIdent(tb[i-1])
		afterIdx := i + len(name)
		after := afterIdx >= len(tb) || !isIdent(tb[afterIdx])
		if before && after {
			return i
		}
		from = i + len(name)
	}
}

func isIdent(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// extractMessage pulls the human text from the final "Name: message" line
// of the traceback. Falls back to the whole last non-empty line.
func extractMessage(tb string) string {
	lines := strings.Split(strings.TrimRight(tb, "\r\n \t"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if _, msg, ok := strings.Cut(line, ": "); ok {
			return msg
		}
		return line
	}
	return ""
}

// decode is the lenient UTF-8 decode used for all device output.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
