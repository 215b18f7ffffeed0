package core

import (
	"strings"
)

// Operation is the recognized kind of a SQL statement.
type Operation int

const (
	OpOther Operation = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpSelect:
		return "select"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "other"
}

// IsMutation reports whether the operation writes to the database.
func (o Operation) IsMutation() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// blockedVerbs are schema-destructive operations that are never
// permitted regardless of configuration. This set is fixed at compile
// time; configuration can only add restrictions, never remove these.
var blockedVerbs = map[string]bool{
	"drop":     true,
	"alter":    true,
	"create":   true,
	"truncate": true,
	"vacuum":   true,
	"reindex":  true,
}

// clauseKeywords terminate a table-name list during the lexical scan.
var clauseKeywords = map[string]bool{
	"where": true, "order": true, "group": true, "limit": true,
	"set": true, "values": true, "on": true, "having": true,
	"union": true, "select": true, "left": true, "right": true,
	"inner": true, "outer": true, "cross": true, "join": true,
	"as": true, "using": true, "returning": true, "offset": true,
}

// Statement is the classification of a single statement within a
// submission.
type Statement struct {
	Operation Operation
	Tables    []string
}

// Classification is the result of lexically scanning a SQL submission.
// A submission may contain several semicolon separated statements; every
// one of them is classified and retained so policy evaluation can reject
// the whole request if any part of it is out of bounds.
type Classification struct {
	// Operation of the leading statement.
	Operation Operation
	// Tables is the union of tables targeted by all statements,
	// lowercased and deduplicated.
	Tables []string
	// Blocked is true if any token anywhere in the submission matches a
	// permanently blocked verb.
	Blocked bool
	// Statements holds the per-statement breakdown, in order.
	Statements []Statement
}

// HasMutation reports whether any statement in the submission writes
// to the database. The leading operation alone is not enough: a
// SELECT-led multi-statement payload may still carry a mutation that
// must execute on the write path.
func (c Classification) HasMutation() bool {
	for _, s := range c.Statements {
		if s.Operation.IsMutation() {
			return true
		}
	}
	return false
}

// Classify inspects a raw SQL string without executing it. It never
// fails: unrecognized input classifies as OpOther with no tables.
func Classify(text string) Classification {
	var c Classification

	seen := map[string]bool{}
	for _, stmt := range splitStatements(text) {
		toks := tokenize(stmt)
		if len(toks) == 0 {
			continue
		}

		s := classifyTokens(toks)
		c.Statements = append(c.Statements, s)
		for _, t := range s.Tables {
			if !seen[t] {
				seen[t] = true
				c.Tables = append(c.Tables, t)
			}
		}
		for _, tok := range toks {
			if blockedVerbs[strings.ToLower(tok)] {
				c.Blocked = true
			}
		}
	}

	if len(c.Statements) > 0 {
		c.Operation = c.Statements[0].Operation
	}
	return c
}

// splitStatements separates a submission on statement-terminating
// semicolons. Semicolons inside quoted strings, quoted identifiers and
// bracket identifiers do not terminate a statement.
func splitStatements(text string) []string {
	var out []string
	var quote rune
	start := 0

	flush := func(end int) {
		if s := text[start:end]; strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
		start = end + 1
	}

	for i, r := range text {
		if quote != 0 {
			if r == quote || (quote == '[' && r == ']') {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			quote = r
		case '[':
			quote = '['
		case ';':
			flush(i)
		}
	}
	flush(len(text))
	return out
}

// classifyTokens assigns the operation from the leading verb and scans
// for table names following FROM, INTO, UPDATE and JOIN keywords.
func classifyTokens(toks []string) Statement {
	s := Statement{Operation: OpOther}

	switch strings.ToLower(toks[0]) {
	case "select":
		s.Operation = OpSelect
	case "insert", "replace":
		s.Operation = OpInsert
	case "update":
		s.Operation = OpUpdate
	case "delete":
		s.Operation = OpDelete
	}

	for i := 0; i < len(toks); i++ {
		switch strings.ToLower(toks[i]) {
		case "from", "into", "update", "join":
			i += scanTableList(toks[i+1:], &s.Tables)
		}
	}
	return s
}

// scanTableList collects identifiers from the head of toks until a
// clause keyword or punctuation ends the list. It returns the number of
// tokens consumed. Aliases ("FROM states s") are skipped: only the
// first identifier after the keyword and after each comma is a table.
func scanTableList(toks []string, tables *[]string) int {
	i := 0
	expectTable := true
	for i < len(toks) {
		tok := toks[i]
		low := strings.ToLower(tok)

		if tok == "," {
			expectTable = true
			i++
			continue
		}
		if !isIdentifier(tok) || clauseKeywords[low] || blockedVerbs[low] {
			break
		}
		if expectTable {
			*tables = append(*tables, normalizeTable(low))
			expectTable = false
		}
		i++
	}
	return i
}

// normalizeTable strips any schema qualifier, keeping the bare name.
func normalizeTable(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

func isIdentifier(tok string) bool {
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_', r == '.':
		default:
			return false
		}
	}
	return len(tok) > 0 && tok != "."
}

// tokenize splits a statement into identifier words and single-rune
// punctuation tokens. Quoted identifiers keep their inner text so that
// `"states"` and states classify the same.
func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}

	var quote rune
	for _, r := range s {
		if quote != 0 {
			if r == quote || (quote == '[' && r == ']') {
				quote = 0
				flush()
				continue
			}
			cur.WriteRune(r)
			continue
		}
		switch {
		case r == '\'' || r == '"' || r == '`':
			flush()
			quote = r
		case r == '[':
			flush()
			quote = '['
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		case r == ',' || r == '(' || r == ')' || r == '=' || r == '<' ||
			r == '>' || r == '*' || r == '?' || r == '+' || r == '-' || r == '/':
			flush()
			toks = append(toks, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}
