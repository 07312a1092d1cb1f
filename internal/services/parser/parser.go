package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/asakaida/kanshi/internal/entities"
)

// Parser parses condition expressions into entities.Expression trees.
// Only the enumerated comparison forms are accepted; there is no function
// call, arithmetic or negation syntax.
type Parser struct {
	lexer   *Lexer
	current *Token
	peek    *Token
	errors  []string
}

// NewParser creates a new Parser
func NewParser(lexer *Lexer) *Parser {
	p := &Parser{
		lexer:  lexer,
		errors: []string{},
	}

	// Read two tokens to initialize current and peek
	p.nextToken()
	p.nextToken()

	return p
}

// Compile parses an expression string. An empty string always holds.
func Compile(input string) (entities.Expression, error) {
	if strings.TrimSpace(input) == "" {
		return entities.Always{}, nil
	}
	return NewParser(NewLexer(input)).Parse()
}

// nextToken advances to the next token
func (p *Parser) nextToken() {
	p.current = p.peek
	tok, err := p.lexer.NextToken()
	if err != nil {
		p.errors = append(p.errors, err.Error())
		p.peek = &Token{Type: TOKEN_EOF}
	} else {
		p.peek = tok
	}
}

// currentTokenIs checks if the current token is of the given type
func (p *Parser) currentTokenIs(t TokenType) bool {
	return p.current != nil && p.current.Type == t
}

// errorf records a parse error at the current token
func (p *Parser) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if p.current != nil {
		msg = fmt.Sprintf("%s at column %d", msg, p.current.Column)
	}
	p.errors = append(p.errors, msg)
}

// Parse parses the entire expression
func (p *Parser) Parse() (entities.Expression, error) {
	expr := p.parseOr()
	if len(p.errors) == 0 && !p.currentTokenIs(TOKEN_EOF) {
		p.errorf("unexpected token %s", tokenNames[p.current.Type])
	}
	if len(p.errors) > 0 {
		return nil, fmt.Errorf("%w: %s", entities.ErrInvalidCondition, strings.Join(p.errors, "; "))
	}
	return expr, nil
}

func (p *Parser) parseOr() entities.Expression {
	left := p.parseAnd()
	if left == nil {
		return nil
	}
	operands := []entities.Expression{left}
	for p.currentTokenIs(TOKEN_LOGICAL_OR) || p.currentTokenIs(TOKEN_OR) {
		p.nextToken()
		right := p.parseAnd()
		if right == nil {
			return nil
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left
	}
	return &entities.AnyOf{Operands: operands}
}

func (p *Parser) parseAnd() entities.Expression {
	left := p.parsePrimary()
	if left == nil {
		return nil
	}
	operands := []entities.Expression{left}
	for p.currentTokenIs(TOKEN_LOGICAL_AND) || p.currentTokenIs(TOKEN_AND) {
		p.nextToken()
		right := p.parsePrimary()
		if right == nil {
			return nil
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left
	}
	return &entities.AllOf{Operands: operands}
}

func (p *Parser) parsePrimary() entities.Expression {
	switch {
	case p.currentTokenIs(TOKEN_LPAREN):
		p.nextToken()
		expr := p.parseOr()
		if expr == nil {
			return nil
		}
		if !p.currentTokenIs(TOKEN_RPAREN) {
			p.errorf("expected )")
			return nil
		}
		p.nextToken()
		return expr
	case p.currentTokenIs(TOKEN_IDENTIFIER):
		return p.parseComparison()
	case p.isLiteral():
		return p.parseRange()
	case p.currentTokenIs(TOKEN_EOF):
		p.errorf("unexpected end of expression")
	default:
		p.errorf("unexpected token %s", tokenNames[p.current.Type])
	}
	return nil
}

// parseComparison parses IDENT op literal, IDENT in [..], IDENT contains literal
func (p *Parser) parseComparison() entities.Expression {
	key := p.current.Value
	p.nextToken()

	var op entities.ConditionOperator
	switch p.current.Type {
	case TOKEN_EQ:
		op = entities.OpEquals
	case TOKEN_NEQ:
		op = entities.OpNotEquals
	case TOKEN_GT:
		op = entities.OpGreaterThan
	case TOKEN_GTE:
		op = entities.OpGreaterThanOrEqual
	case TOKEN_LT:
		op = entities.OpLessThan
	case TOKEN_LTE:
		op = entities.OpLessThanOrEqual
	case TOKEN_CONTAINS:
		op = entities.OpContains
	case TOKEN_NOT_CONTAINS:
		op = entities.OpNotContains
	case TOKEN_IN, TOKEN_NOT_IN:
		op = entities.OpInSet
		if p.currentTokenIs(TOKEN_NOT_IN) {
			op = entities.OpNotInSet
		}
		p.nextToken()
		list := p.parseList()
		if list == nil {
			return nil
		}
		return comparison(key, op, list)
	default:
		p.errorf("expected comparison operator after %q", key)
		return nil
	}

	p.nextToken()
	value, ok := p.parseLiteral()
	if !ok {
		return nil
	}
	return comparison(key, op, value)
}

// parseRange parses literal (<|<=) IDENT (<|<=) literal
func (p *Parser) parseRange() entities.Expression {
	low, ok := p.parseLiteral()
	if !ok {
		return nil
	}
	lowOp, ok := p.rangeOperator(entities.OpGreaterThan, entities.OpGreaterThanOrEqual)
	if !ok {
		return nil
	}
	if !p.currentTokenIs(TOKEN_IDENTIFIER) {
		p.errorf("expected identifier in range")
		return nil
	}
	key := p.current.Value
	p.nextToken()
	highOp, ok := p.rangeOperator(entities.OpLessThan, entities.OpLessThanOrEqual)
	if !ok {
		return nil
	}
	high, ok := p.parseLiteral()
	if !ok {
		return nil
	}
	return &entities.AllOf{Operands: []entities.Expression{
		comparison(key, lowOp, low),
		comparison(key, highOp, high),
	}}
}

// rangeOperator consumes < or <= and returns the strict or inclusive operator
func (p *Parser) rangeOperator(strict, inclusive entities.ConditionOperator) (entities.ConditionOperator, bool) {
	switch p.current.Type {
	case TOKEN_LT:
		p.nextToken()
		return strict, true
	case TOKEN_LTE:
		p.nextToken()
		return inclusive, true
	}
	p.errorf("expected < or <= in range")
	return "", false
}

func (p *Parser) parseList() []interface{} {
	if !p.currentTokenIs(TOKEN_LBRACKET) {
		p.errorf("expected [")
		return nil
	}
	p.nextToken()
	values := []interface{}{}
	for !p.currentTokenIs(TOKEN_RBRACKET) {
		value, ok := p.parseLiteral()
		if !ok {
			return nil
		}
		values = append(values, value)
		if p.currentTokenIs(TOKEN_COMMA) {
			p.nextToken()
			continue
		}
		if !p.currentTokenIs(TOKEN_RBRACKET) {
			p.errorf("expected , or ]")
			return nil
		}
	}
	p.nextToken()
	if len(values) == 0 {
		p.errorf("empty list")
		return nil
	}
	return values
}

func (p *Parser) isLiteral() bool {
	switch p.current.Type {
	case TOKEN_STRING, TOKEN_NUMBER, TOKEN_TIME, TOKEN_TRUE, TOKEN_FALSE:
		return true
	}
	return false
}

func (p *Parser) parseLiteral() (interface{}, bool) {
	tok := p.current
	var value interface{}
	switch tok.Type {
	case TOKEN_STRING, TOKEN_TIME:
		value = tok.Value
	case TOKEN_NUMBER:
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			p.errorf("invalid number %q", tok.Value)
			return nil, false
		}
		value = f
	case TOKEN_TRUE:
		value = true
	case TOKEN_FALSE:
		value = false
	default:
		p.errorf("expected literal, got %s", tokenNames[tok.Type])
		return nil, false
	}
	p.nextToken()
	return value, true
}

func comparison(key string, op entities.ConditionOperator, value interface{}) entities.Expression {
	return &entities.ConditionExpr{Condition: entities.PermissionCondition{
		Type:     entities.InferConditionType(key),
		Key:      key,
		Operator: op,
		Value:    value,
	}}
}
