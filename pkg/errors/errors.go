package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint16
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

// FrameTooLarge is a protocol violation: a frame or segment declared a size that
// does not fit the scratch buffer or the frame that encloses it.
type FrameTooLarge struct {
	Context      string
	DeclaredSize int
	Limit        int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Declared %s size %d exceeds limit %d", e.Context, e.DeclaredSize, e.Limit)
}

type UnsupportedCompression struct {
	CompressionType uint8
}

func (e *UnsupportedCompression) Error() string {
	return fmt.Sprintf("Unsupported compression type %d", e.CompressionType)
}

// DecodeError means a compressed stream is out of sync and the connection cannot recover.
type DecodeError struct {
	ExpectedSize int
	Cause        error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("Failed to decode compressed frame (expected %d bytes)", e.ExpectedSize)
	}
	return fmt.Sprintf("Failed to decode compressed frame (expected %d bytes): %s", e.ExpectedSize, e.Cause.Error())
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

type MissingNextServer struct{}

func (e *MissingNextServer) Error() string {
	return "Zone connection received without a next server specified"
}

type FieldOverflow struct {
	FieldName string
	FieldSize int
	ValueSize int
}

func (e *FieldOverflow) Error() string {
	return fmt.Sprintf("Value of %d bytes does not fit field %s (%d bytes)", e.ValueSize, e.FieldName, e.FieldSize)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
