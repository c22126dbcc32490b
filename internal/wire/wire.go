// Package wire provides protobuf message framing for the agent protocol.
//
// Each message is a google.protobuf.Struct, length-delimited using
// protobuf's standard varint encoding. This keeps the agent side free of
// generated code: any protobuf runtime can read and write the envelopes.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/errors"
)

// Envelope types.
const (
	TypeRun    = "run"
	TypeResult = "result"
	TypeError  = "error"
)

// Struct field names.
const (
	fieldID      = "id"
	fieldType    = "type"
	fieldPath    = "path"
	fieldParams  = "params"
	fieldCode    = "code"
	fieldMessage = "message"
)

// maxID is the largest id a float64 number value carries exactly.
const maxID = 1 << 53

// Envelope is one agent protocol message.
type Envelope struct {
	ID      uint64
	Type    string
	Path    string
	Params  map[string]any
	Code    int32
	Message string
}

// NewRun creates a script execution request.
func NewRun(id uint64, path string, params map[string]any) *Envelope {
	return &Envelope{ID: id, Type: TypeRun, Path: path, Params: params}
}

// NewResult creates a successful reply to request id.
func NewResult(id uint64) *Envelope {
	return &Envelope{ID: id, Type: TypeResult}
}

// NewError creates an error reply with the given request ID, error code, and message.
// Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Envelope {
	return &Envelope{ID: id, Type: TypeError, Code: code, Message: msg}
}

// NewErrorFromErr creates an error reply from a Go error.
// It maps the error to the appropriate wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *Envelope {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// Err returns the error carried by an error reply, nil otherwise.
func (e *Envelope) Err() error {
	if e.Type != TypeError {
		return nil
	}
	return fmt.Errorf("%s: %w", e.Message, errors.CodeToError(e.Code))
}

// toStruct encodes the envelope.
func (e *Envelope) toStruct() (*structpb.Struct, error) {
	m := map[string]any{
		fieldID:   float64(e.ID),
		fieldType: e.Type,
	}
	if e.Path != "" {
		m[fieldPath] = e.Path
	}
	if len(e.Params) > 0 {
		m[fieldParams] = normalize(e.Params)
	}
	if e.Type == TypeError {
		m[fieldCode] = float64(e.Code)
		m[fieldMessage] = e.Message
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return s, nil
}

// fromStruct decodes an envelope.
func fromStruct(s *structpb.Struct) (*Envelope, error) {
	f := s.GetFields()
	id := f[fieldID].GetNumberValue()
	if id < 0 || id > maxID || id != math.Trunc(id) {
		return nil, fmt.Errorf("decode envelope: bad id %v", id)
	}
	e := &Envelope{
		ID:      uint64(id),
		Type:    f[fieldType].GetStringValue(),
		Path:    f[fieldPath].GetStringValue(),
		Code:    int32(f[fieldCode].GetNumberValue()),
		Message: f[fieldMessage].GetStringValue(),
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode envelope %d: missing type", e.ID)
	}
	if p := f[fieldParams].GetStructValue(); p != nil {
		e.Params = p.AsMap()
	}
	return e, nil
}

// normalize converts values structpb cannot take directly.
func normalize(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []string:
		l := make([]any, len(x))
		for i, s := range x {
			l[i] = s
		}
		return l
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return m
	case map[string]any:
		return normalize(x)
	case []any:
		l := make([]any, len(x))
		for i, e := range x {
			l[i] = normalizeValue(e)
		}
		return l
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}

// =============================================================================
// Framing
// =============================================================================

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader. Messages larger
// than maxSize are rejected; zero means config.DefaultMaxMessageSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = config.DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and decodes the next envelope. io.EOF is returned unwrapped
// when the stream ends between messages.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: int64(r.maxSize)}
	if err := opts.UnmarshalFrom(r.r, s); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return fromStruct(s)
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes an envelope with length prefix.
func (w *Writer) Write(env *Envelope) error {
	s, err := env.toStruct()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, s); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter, maxSize int) *Conn {
	return &Conn{
		Reader: NewReader(rw, maxSize),
		Writer: NewWriter(rw),
	}
}
