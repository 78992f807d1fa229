package errors

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig Category = "config"
	CategoryStore  Category = "store"
	CategoryServer Category = "server"
	CategoryClient Category = "client"
)

// Location is a line in a file, usually collab.yaml.
type Location struct {
	File string
	Line int
}

// String returns the location as file:line.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return l.File
}

// CollabError is a structured error with a code, hints and an optional
// file location.
type CollabError struct {
	// Code is a unique error identifier (e.g., "E100").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Location is the file position the error refers to.
	Location *Location

	// Context contains the lines around Location.
	Context []string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *CollabError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *CollabError) Unwrap() error {
	return e.Wrapped
}

// WithLocation points the error at a line of file and reads the lines
// around it for display.
func (e *CollabError) WithLocation(file string, line int) *CollabError {
	e.Location = &Location{File: file, Line: line}
	if line > 0 {
		e.Context = readContextLines(file, line, 3)
	}
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *CollabError) WithSuggestion(s string) *CollabError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *CollabError) WithDetail(d string) *CollabError {
	e.Detail = d
	return e
}

// WithDetailf adds a formatted explanation to the error.
func (e *CollabError) WithDetailf(format string, args ...any) *CollabError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Wrap wraps another error.
func (e *CollabError) Wrap(err error) *CollabError {
	e.Wrapped = err
	return e
}

// readContextLines reads lines around the specified line number from a file.
func readContextLines(filename string, targetLine, contextSize int) []string {
	file, err := os.Open(filename)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	lineNum := 0
	startLine := targetLine - contextSize/2
	endLine := targetLine + contextSize/2

	for scanner.Scan() {
		lineNum++
		if lineNum >= startLine && lineNum <= endLine {
			lines = append(lines, scanner.Text())
		}
		if lineNum > endLine {
			break
		}
	}

	return lines
}

// New creates a CollabError from a registered error code.
func New(code string) *CollabError {
	template, ok := registry[code]
	if !ok {
		return &CollabError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &CollabError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new CollabError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *CollabError {
	return &CollabError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err in a CollabError with code unless it already is one.
func FromError(err error, code string) *CollabError {
	if err == nil {
		return nil
	}
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce
	}
	return New(code).Wrap(err)
}
