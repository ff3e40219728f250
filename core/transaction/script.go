package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxOperations bounds the number of operations in one script.
const MaxOperations = 25

var (
	ErrTooManyOperations = errors.New("script exceeds the maximum number of operations")
	ErrInvalidOperand    = errors.New("invalid operand")
	ErrUnknownOperation  = errors.New("unknown operation")
)

// OpKind selects the behaviour of an Operation.
type OpKind int

const (
	OpAssign OpKind = iota + 1
	OpAdd
	OpPrint
	OpSleep
)

func (k OpKind) String() string {
	switch k {
	case OpAssign:
		return "ASSIGN"
	case OpAdd:
		return "ADD"
	case OpPrint:
		return "PRINT"
	case OpSleep:
		return "SLEEP"
	default:
		return "UNKNOWN"
	}
}

// UnknownOpPolicy decides what Parse does with a line whose keyword it does not know.
type UnknownOpPolicy int

const (
	// UnknownOpIgnore silently drops the line.
	UnknownOpIgnore UnknownOpPolicy = iota
	// UnknownOpReject fails the whole script with ErrUnknownOperation.
	UnknownOpReject
)

// ParseUnknownOpPolicy maps a config string ("ignore" or "reject") to a policy.
func ParseUnknownOpPolicy(s string) (UnknownOpPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore", "permissive":
		return UnknownOpIgnore, nil
	case "reject", "strict":
		return UnknownOpReject, nil
	default:
		return UnknownOpIgnore, fmt.Errorf("unknown operation policy %q", s)
	}
}

// Operand is either an integer literal or a reference to a variable.
type Operand struct {
	IsVar   bool
	Var     byte
	Literal int64
}

func (o Operand) String() string {
	if o.IsVar {
		return string(o.Var)
	}
	return strconv.FormatInt(o.Literal, 10)
}

// Operation is one parsed line of a transaction script.
//
//	ASSIGN Dest Src[0]      Src[0] is a literal
//	ADD    Dest Src[0] Src[1]
//	PRINT  Dest
//	SLEEP  ...              accepted, executes as a no-op
type Operation struct {
	Kind OpKind
	Dest byte
	Src  [2]Operand
}

// Variables returns the variable ids the operation touches in operand order,
// destination first. Duplicates are kept.
func (op Operation) Variables() []byte {
	switch op.Kind {
	case OpAssign, OpPrint:
		return []byte{op.Dest}
	case OpAdd:
		vars := []byte{op.Dest}
		for _, src := range op.Src {
			if src.IsVar {
				vars = append(vars, src.Var)
			}
		}
		return vars
	default:
		return nil
	}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpAssign:
		return fmt.Sprintf("ASSIGN %c %s", op.Dest, op.Src[0])
	case OpAdd:
		return fmt.Sprintf("ADD %c %s %s", op.Dest, op.Src[0], op.Src[1])
	case OpPrint:
		return fmt.Sprintf("PRINT %c", op.Dest)
	default:
		return op.Kind.String()
	}
}

// Parse turns a newline separated script into operations. It has no side
// effects: the same input always yields the same result.
func Parse(script string, policy UnknownOpPolicy) ([]Operation, error) {
	lines := strings.Split(script, "\n")
	ops := make([]Operation, 0, len(lines))
	count := 0
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r\x00")
		tokens := splitTokens(line)
		if len(tokens) == 0 {
			continue
		}
		count++
		if count > MaxOperations {
			return nil, fmt.Errorf("line %d: %w", i+1, ErrTooManyOperations)
		}
		op, ok, err := parseLine(tokens, policy)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if ok {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// splitTokens splits on single spaces and drops the empty tokens produced by
// runs of spaces.
func splitTokens(line string) []string {
	parts := strings.Split(line, " ")
	tokens := parts[:0]
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func parseLine(tokens []string, policy UnknownOpPolicy) (Operation, bool, error) {
	switch tokens[0] {
	case "ASSIGN":
		if len(tokens) < 3 || len(tokens[1]) != 1 {
			return Operation{}, false, fmt.Errorf("ASSIGN destination: %w", ErrInvalidOperand)
		}
		lit, ok := parseLiteral(tokens[2])
		if !ok {
			return Operation{}, false, fmt.Errorf("ASSIGN value %q: %w", tokens[2], ErrInvalidOperand)
		}
		return Operation{Kind: OpAssign, Dest: tokens[1][0], Src: [2]Operand{lit}}, true, nil
	case "ADD":
		if len(tokens) < 4 || len(tokens[1]) != 1 {
			return Operation{}, false, fmt.Errorf("ADD destination: %w", ErrInvalidOperand)
		}
		op := Operation{Kind: OpAdd, Dest: tokens[1][0]}
		for i := 0; i < 2; i++ {
			src, ok := parseOperand(tokens[2+i])
			if !ok {
				return Operation{}, false, fmt.Errorf("ADD operand %q: %w", tokens[2+i], ErrInvalidOperand)
			}
			op.Src[i] = src
		}
		return op, true, nil
	case "PRINT":
		if len(tokens) < 2 || len(tokens[1]) != 1 || !isLetter(tokens[1][0]) {
			return Operation{}, false, fmt.Errorf("PRINT variable: %w", ErrInvalidOperand)
		}
		return Operation{Kind: OpPrint, Dest: tokens[1][0]}, true, nil
	case "SLEEP":
		return Operation{Kind: OpSleep}, true, nil
	default:
		if policy == UnknownOpReject {
			return Operation{}, false, fmt.Errorf("%q: %w", tokens[0], ErrUnknownOperation)
		}
		return Operation{}, false, nil
	}
}

func parseOperand(tok string) (Operand, bool) {
	if len(tok) == 1 && isLetter(tok[0]) {
		return Operand{IsVar: true, Var: tok[0]}, true
	}
	return parseLiteral(tok)
}

func parseLiteral(tok string) (Operand, bool) {
	if tok == "" {
		return Operand{}, false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return Operand{}, false
		}
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return Operand{}, false
	}
	return Operand{Literal: v}, true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
