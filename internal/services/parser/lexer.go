package parser

import (
	"fmt"
	"unicode"
)

// TokenType represents the type of a token
type TokenType int

const (
	TOKEN_ILLEGAL TokenType = iota
	TOKEN_EOF

	// Identifiers and literals
	TOKEN_IDENTIFIER
	TOKEN_STRING // String literals (quoted)
	TOKEN_NUMBER
	TOKEN_TIME // Clock literals such as 09:00

	// Keywords
	TOKEN_AND
	TOKEN_OR
	TOKEN_IN
	TOKEN_NOT_IN
	TOKEN_CONTAINS
	TOKEN_NOT_CONTAINS
	TOKEN_TRUE
	TOKEN_FALSE

	// Comparison operators
	TOKEN_EQ          // ==
	TOKEN_NEQ         // !=
	TOKEN_LT          // <
	TOKEN_LTE         // <=
	TOKEN_GT          // >
	TOKEN_GTE         // >=
	TOKEN_LOGICAL_AND // &&
	TOKEN_LOGICAL_OR  // ||

	// Delimiters
	TOKEN_LPAREN
	TOKEN_RPAREN
	TOKEN_LBRACKET
	TOKEN_RBRACKET
	TOKEN_COMMA
)

var tokenNames = map[TokenType]string{
	TOKEN_ILLEGAL:      "ILLEGAL",
	TOKEN_EOF:          "EOF",
	TOKEN_IDENTIFIER:   "IDENTIFIER",
	TOKEN_STRING:       "STRING",
	TOKEN_NUMBER:       "NUMBER",
	TOKEN_TIME:         "TIME",
	TOKEN_AND:          "and",
	TOKEN_OR:           "or",
	TOKEN_IN:           "in",
	TOKEN_NOT_IN:       "not_in",
	TOKEN_CONTAINS:     "contains",
	TOKEN_NOT_CONTAINS: "not_contains",
	TOKEN_TRUE:         "true",
	TOKEN_FALSE:        "false",
	TOKEN_EQ:           "==",
	TOKEN_NEQ:          "!=",
	TOKEN_LT:           "<",
	TOKEN_LTE:          "<=",
	TOKEN_GT:           ">",
	TOKEN_GTE:          ">=",
	TOKEN_LOGICAL_AND:  "&&",
	TOKEN_LOGICAL_OR:   "||",
	TOKEN_LPAREN:       "(",
	TOKEN_RPAREN:       ")",
	TOKEN_LBRACKET:     "[",
	TOKEN_RBRACKET:     "]",
	TOKEN_COMMA:        ",",
}

var keywords = map[string]TokenType{
	"and":          TOKEN_AND,
	"or":           TOKEN_OR,
	"in":           TOKEN_IN,
	"not_in":       TOKEN_NOT_IN,
	"contains":     TOKEN_CONTAINS,
	"not_contains": TOKEN_NOT_CONTAINS,
	"true":         TOKEN_TRUE,
	"false":        TOKEN_FALSE,
}

// Token represents a lexical token
type Token struct {
	Type   TokenType
	Value  string
	Column int
}

// String returns a string representation of the token
func (t *Token) String() string {
	typeName := tokenNames[t.Type]
	if typeName == "" {
		typeName = fmt.Sprintf("UNKNOWN(%d)", t.Type)
	}
	return fmt.Sprintf("%s(%s) at column %d", typeName, t.Value, t.Column)
}

// Lexer performs lexical analysis of condition expressions
type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           byte // current char under examination
	column       int
}

// NewLexer creates a new Lexer
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar reads the next character and advances position
func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.column++
}

// peekChar returns the next character without advancing position
func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

// skipWhitespace skips whitespace characters
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// readIdentifier reads an identifier or keyword. Dots separate path
// segments (user.department).
func (l *Lexer) readIdentifier() string {
	position := l.position
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || (l.ch == '.' && isLetter(l.peekChar())) {
		l.readChar()
	}
	return l.input[position:l.position]
}

// readNumber reads a number or a clock literal (HH:MM or HH:MM:SS)
func (l *Lexer) readNumber() (string, TokenType) {
	position := l.position
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == ':' && isDigit(l.peekChar()) {
		for l.ch == ':' && isDigit(l.peekChar()) {
			l.readChar() // consume ':'
			for isDigit(l.ch) {
				l.readChar()
			}
		}
		return l.input[position:l.position], TOKEN_TIME
	}
	// Handle decimal point
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar() // consume '.'
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[position:l.position], TOKEN_NUMBER
}

// readString reads a string literal enclosed in the given quote
func (l *Lexer) readString(quote byte) (string, error) {
	position := l.position + 1 // Skip opening quote
	column := l.column
	for {
		l.readChar()
		if l.ch == quote {
			break
		}
		if l.ch == 0 {
			return "", fmt.Errorf("unterminated string starting at column %d", column)
		}
	}
	value := l.input[position:l.position]
	l.readChar() // Skip closing quote
	return value, nil
}

// NextToken returns the next token
func (l *Lexer) NextToken() (*Token, error) {
	l.skipWhitespace()

	column := l.column
	two := func(t TokenType, v string) *Token {
		l.readChar()
		l.readChar()
		return &Token{Type: t, Value: v, Column: column}
	}
	one := func(t TokenType, v string) *Token {
		l.readChar()
		return &Token{Type: t, Value: v, Column: column}
	}

	switch l.ch {
	case '=':
		if l.peekChar() == '=' {
			return two(TOKEN_EQ, "=="), nil
		}
	case '!':
		if l.peekChar() == '=' {
			return two(TOKEN_NEQ, "!="), nil
		}
		return nil, fmt.Errorf("negation is not supported at column %d", column)
	case '<':
		if l.peekChar() == '=' {
			return two(TOKEN_LTE, "<="), nil
		}
		return one(TOKEN_LT, "<"), nil
	case '>':
		if l.peekChar() == '=' {
			return two(TOKEN_GTE, ">="), nil
		}
		return one(TOKEN_GT, ">"), nil
	case '&':
		if l.peekChar() == '&' {
			return two(TOKEN_LOGICAL_AND, "&&"), nil
		}
	case '|':
		if l.peekChar() == '|' {
			return two(TOKEN_LOGICAL_OR, "||"), nil
		}
	case '(':
		return one(TOKEN_LPAREN, "("), nil
	case ')':
		return one(TOKEN_RPAREN, ")"), nil
	case '[':
		return one(TOKEN_LBRACKET, "["), nil
	case ']':
		return one(TOKEN_RBRACKET, "]"), nil
	case ',':
		return one(TOKEN_COMMA, ","), nil
	case '"', '\'':
		value, err := l.readString(l.ch)
		if err != nil {
			return nil, err
		}
		return &Token{Type: TOKEN_STRING, Value: value, Column: column}, nil
	case 0:
		return &Token{Type: TOKEN_EOF, Value: "", Column: column}, nil
	default:
		if isLetter(l.ch) || l.ch == '_' {
			value := l.readIdentifier()
			tokenType := TOKEN_IDENTIFIER
			if kw, ok := keywords[value]; ok {
				tokenType = kw
			}
			return &Token{Type: tokenType, Value: value, Column: column}, nil
		}
		if isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())) {
			sign := ""
			if l.ch == '-' {
				sign = "-"
				l.readChar()
			}
			value, tokenType := l.readNumber()
			return &Token{Type: tokenType, Value: sign + value, Column: column}, nil
		}
	}
	return nil, fmt.Errorf("illegal character '%c' at column %d", l.ch, column)
}

// isLetter checks if a character is a letter
func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

// isDigit checks if a character is a digit
func isDigit(ch byte) bool {
	return unicode.IsDigit(rune(ch))
}
