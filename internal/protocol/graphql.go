package protocol

import (
	"fmt"
	"strings"
)

// OperationType classifies a GraphQL document.
type OperationType string

const (
	Query        OperationType = "query"
	Mutation     OperationType = "mutation"
	Subscription OperationType = "subscription"
)

// OperationTypeOf returns the type of the first operation in a document.
// The anonymous shorthand ("{ ... }") and anything unrecognised is a query.
func OperationTypeOf(operation string) OperationType {
	rest := operation
	for {
		rest = strings.TrimLeft(rest, " \t\r\n,\ufeff")
		if !strings.HasPrefix(rest, "#") {
			break
		}
		// comment runs to end of line
		if i := strings.IndexAny(rest, "\r\n"); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
	}

	end := 0
	for end < len(rest) && isNameChar(rest[end]) {
		end++
	}

	switch OperationType(rest[:end]) {
	case Mutation:
		return Mutation
	case Subscription:
		return Subscription
	default:
		return Query
	}
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Location points at a position in the GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is a single entry of a GraphQL "errors" list.
type GraphQLError struct {
	Message   string     `json:"message"`
	Locations []Location `json:"locations,omitempty"`
	Path      []any      `json:"path,omitempty"`
}

func (e GraphQLError) String() string {
	if len(e.Locations) == 0 {
		return e.Message
	}
	locs := make([]string, 0, len(e.Locations))
	for _, l := range e.Locations {
		locs = append(locs, fmt.Sprintf("%d:%d", l.Line, l.Column))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(locs, "; "))
}

// FormatErrors joins a GraphQL errors list into one message, one error per line.
func FormatErrors(errs []GraphQLError) string {
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.String())
	}
	return strings.Join(lines, "\n")
}
