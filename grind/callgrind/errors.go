package callgrind

import (
	"errors"
	"fmt"
)

var (
	// ErrParse matches every *ParseError through errors.Is.
	ErrParse           = errors.New("callgrind parse error")
	ErrIndexOutOfRange = errors.New("function ordinal out of range")
)

// ParseError aborts a whole parse. Line is the 1-based line of the input the
// parser was looking at.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func (f *File) checkOrdinal(ordinal int) error {
	if ordinal < 0 || ordinal >= len(f.functions) {
		return fmt.Errorf("%w: %d (have %d functions)", ErrIndexOutOfRange, ordinal, len(f.functions))
	}
	return nil
}
