package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 8-byte message header: object id + size/opcode.
const HeaderSize = 8

// Header is the 8-byte message header common to every request and event.
type Header struct {
	ObjectID ObjectID
	Opcode   Opcode
	Size     int
}

// paddingFor returns the padding needed to align length to a 4-byte boundary.
func paddingFor(length int) int {
	return (4 - (length % 4)) % 4
}

// Arg is a single decoded or to-be-encoded argument value. Exactly one field
// is meaningful, selected by Kind. An FD argument carries its descriptor
// number in I32; the descriptor itself travels out of band (see Decoder.FD)
// and contributes no bytes to the encoded message.
type Arg struct {
	Kind  ArgKind
	I32   int32
	U32   uint32
	Fixed Fixed
	Str   string
	Bytes []byte
	Obj   ObjectID
}

// Encoder serializes a message body (header + arguments) to wire format.
// An Encoder is not safe for concurrent use; callers serialize access
// themselves (the dispatch engine does this per connection).
type Encoder struct {
	buf    []byte
	bounds *Bounds
}

// NewEncoder creates an Encoder enforcing the given bounds. A nil bounds
// uses DefaultBounds.
func NewEncoder(bounds *Bounds) *Encoder {
	if bounds == nil {
		bounds = &DefaultBounds
	}
	return &Encoder{buf: make([]byte, 0, 256), bounds: bounds}
}

// Reset clears the encoder's buffer for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the bytes written so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) putUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutInt32 appends a signed 32-bit integer.
func (e *Encoder) PutInt32(v int32) { e.putUint32(uint32(v)) }

// PutUint32 appends an unsigned 32-bit integer.
func (e *Encoder) PutUint32(v uint32) { e.putUint32(v) }

// PutFixed appends a 24.8 fixed-point number.
func (e *Encoder) PutFixed(v Fixed) { e.putUint32(uint32(v)) }

// PutObject appends an object id (0 encodes the null object).
func (e *Encoder) PutObject(id ObjectID) { e.putUint32(uint32(id)) }

// PutNewID appends a new_id argument (bare object id form).
func (e *Encoder) PutNewID(id ObjectID) { e.putUint32(uint32(id)) }

// PutNewIDFull appends a new_id argument carrying an explicit interface name
// and version, as used by wl_registry.bind.
func (e *Encoder) PutNewIDFull(iface string, version uint32, id ObjectID) error {
	if err := e.PutString(iface); err != nil {
		return err
	}
	e.PutUint32(version)
	e.putUint32(uint32(id))
	return nil
}

// PutString appends a length-prefixed, NUL-terminated, 4-byte-padded string.
func (e *Encoder) PutString(s string) error {
	if len(s)+1 > e.bounds.MaxStringLen {
		return fmt.Errorf("%w: string length %d exceeds bound %d", ErrInvalidArgument, len(s)+1, e.bounds.MaxStringLen)
	}
	length := uint32(len(s) + 1)
	e.putUint32(length)
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	for i := 0; i < paddingFor(int(length)); i++ {
		e.buf = append(e.buf, 0)
	}
	return nil
}

// PutArray appends a length-prefixed, 4-byte-padded raw byte array.
func (e *Encoder) PutArray(data []byte) error {
	if len(data) > e.bounds.MaxArrayLen {
		return fmt.Errorf("%w: array length %d exceeds bound %d", ErrInvalidArgument, len(data), e.bounds.MaxArrayLen)
	}
	e.putUint32(uint32(len(data)))
	e.buf = append(e.buf, data...)
	for i := 0; i < paddingFor(len(data)); i++ {
		e.buf = append(e.buf, 0)
	}
	return nil
}

// EncodeMessage validates args against signature, encodes the full message
// (header + arguments), and returns any fds the signature names in argument
// order — those fds travel out of band via the transport, never in the
// returned byte slice. Per §4.1, id 0 is never a valid target.
func EncodeMessage(bounds *Bounds, target ObjectID, opcode Opcode, sig Signature, args []Arg) ([]byte, []int, error) {
	if bounds == nil {
		bounds = &DefaultBounds
	}
	if target == 0 {
		return nil, nil, fmt.Errorf("%w: target id is 0", ErrInvalidObject)
	}
	if len(args) != len(sig) {
		return nil, nil, fmt.Errorf("%w: got %d args, signature wants %d", ErrInvalidArgument, len(args), len(sig))
	}

	enc := NewEncoder(bounds)
	fds := make([]int, 0, sig.NumFDs())
	for i, kind := range sig {
		a := args[i]
		if a.Kind != kind {
			return nil, nil, fmt.Errorf("%w: arg %d is %s, signature wants %s", ErrInvalidArgument, i, a.Kind, kind)
		}
		switch kind {
		case Int32:
			enc.PutInt32(a.I32)
		case Uint32:
			enc.PutUint32(a.U32)
		case FixedArg:
			enc.PutFixed(a.Fixed)
		case Object, NewID:
			enc.PutObject(a.Obj)
		case String:
			if err := enc.PutString(a.Str); err != nil {
				return nil, nil, err
			}
		case Array:
			if err := enc.PutArray(a.Bytes); err != nil {
				return nil, nil, err
			}
		case FD:
			fds = append(fds, int(a.I32))
		default:
			return nil, nil, fmt.Errorf("%w: unknown arg kind %v", ErrInvalidArgument, kind)
		}
	}

	body := enc.Bytes()
	total := HeaderSize + len(body)
	if total > bounds.MaxMessageSize {
		return nil, nil, fmt.Errorf("%w: message size %d exceeds bound %d", ErrInvalidArgument, total, bounds.MaxMessageSize)
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(target))
	sizeAndOpcode := uint32(total)<<16 | uint32(opcode)
	binary.LittleEndian.PutUint32(out[4:8], sizeAndOpcode)
	copy(out[8:], body)

	return out, fds, nil
}

// Decoder reads typed arguments from a borrowed byte slice, consuming
// out-of-band fds from a parallel borrowed slice as FD-typed arguments are
// decoded. A Decoder is only valid for the lifetime of the buffers it wraps.
type Decoder struct {
	buf    []byte
	offset int
	fds    []int
	fdIdx  int
	bounds *Bounds
}

// NewDecoder creates a Decoder over buf, with no fds attached. Use Reset to
// supply fds before decoding a signature containing FD arguments.
func NewDecoder(buf []byte, bounds *Bounds) *Decoder {
	if bounds == nil {
		bounds = &DefaultBounds
	}
	return &Decoder{buf: buf, bounds: bounds}
}

// Reset rebinds the decoder to a new buffer and fd slice.
func (d *Decoder) Reset(buf []byte, fds []int) {
	d.buf = buf
	d.offset = 0
	d.fds = fds
	d.fdIdx = 0
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.offset }

// FDsConsumed returns how many fds have been read from the attached fd
// queue so far, so a caller can close whatever is left unconsumed.
func (d *Decoder) FDsConsumed() int { return d.fdIdx }

// Int32 reads a signed 32-bit integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Uint32 reads an unsigned 32-bit integer.
func (d *Decoder) Uint32() (uint32, error) {
	if d.offset+4 > len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(d.buf[d.offset:])
	d.offset += 4
	return v, nil
}

// Fixed reads a 24.8 fixed-point number.
func (d *Decoder) Fixed() (Fixed, error) {
	v, err := d.Uint32()
	return Fixed(v), err
}

// Object reads an object id.
func (d *Decoder) Object() (ObjectID, error) {
	v, err := d.Uint32()
	return ObjectID(v), err
}

// NewIDArg reads a bare new_id argument.
func (d *Decoder) NewIDArg() (ObjectID, error) {
	return d.Object()
}

// NewIDFull reads a new_id argument carrying interface name and version,
// as used by wl_registry.bind.
func (d *Decoder) NewIDFull() (iface string, version uint32, id ObjectID, err error) {
	iface, err = d.String()
	if err != nil {
		return "", 0, 0, err
	}
	version, err = d.Uint32()
	if err != nil {
		return "", 0, 0, err
	}
	id, err = d.Object()
	return iface, version, id, err
}

// String reads a length-prefixed, NUL-terminated, 4-byte-padded string.
func (d *Decoder) String() (string, error) {
	length, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if int(length) > d.bounds.MaxStringLen {
		return "", fmt.Errorf("%w: string length %d exceeds bound %d", ErrInvalidArgument, length, d.bounds.MaxStringLen)
	}
	padded := int(length) + paddingFor(int(length))
	if d.offset+padded > len(d.buf) {
		return "", ErrUnexpectedEOF
	}
	if d.buf[d.offset+int(length)-1] != 0 {
		return "", ErrStringNotTerminated
	}
	s := string(d.buf[d.offset : d.offset+int(length)-1])
	d.offset += padded
	return s, nil
}

// Array reads a length-prefixed, 4-byte-padded raw byte array.
func (d *Decoder) Array() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if int(length) > d.bounds.MaxArrayLen {
		return nil, fmt.Errorf("%w: array length %d exceeds bound %d", ErrInvalidArgument, length, d.bounds.MaxArrayLen)
	}
	padded := int(length) + paddingFor(int(length))
	if d.offset+padded > len(d.buf) {
		return nil, ErrUnexpectedEOF
	}
	data := make([]byte, length)
	copy(data, d.buf[d.offset:d.offset+int(length)])
	d.offset += padded
	return data, nil
}

// FD consumes the next file descriptor from the out-of-band queue.
func (d *Decoder) FD() (int, error) {
	if d.fdIdx >= len(d.fds) {
		return -1, ErrMissingFD
	}
	fd := d.fds[d.fdIdx]
	d.fdIdx++
	return fd, nil
}

// DecodeHeader decodes the 8-byte message header at the current offset.
func (d *Decoder) DecodeHeader() (Header, error) {
	if d.Remaining() < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedMessage, HeaderSize, d.Remaining())
	}
	objectID, err := d.Object()
	if err != nil {
		return Header{}, err
	}
	sizeAndOpcode, err := d.Uint32()
	if err != nil {
		return Header{}, err
	}
	size := int(sizeAndOpcode >> 16)
	opcode := Opcode(sizeAndOpcode & 0xFFFF)

	if size < HeaderSize || size%4 != 0 {
		return Header{}, fmt.Errorf("%w: size %d must be >=8 and a multiple of 4", ErrMalformedMessage, size)
	}
	if size > d.bounds.MaxMessageSize {
		return Header{}, fmt.Errorf("%w: size %d exceeds bound %d", ErrMalformedMessage, size, d.bounds.MaxMessageSize)
	}
	return Header{ObjectID: objectID, Opcode: opcode, Size: size}, nil
}

// DecodeArgs decodes a full argument list per sig, consuming fds from the
// decoder's attached fd queue for each FD-typed argument in order (I3).
func (d *Decoder) DecodeArgs(sig Signature) ([]Arg, error) {
	args := make([]Arg, len(sig))
	for i, kind := range sig {
		a := Arg{Kind: kind}
		var err error
		switch kind {
		case Int32:
			a.I32, err = d.Int32()
		case Uint32:
			a.U32, err = d.Uint32()
		case FixedArg:
			a.Fixed, err = d.Fixed()
		case Object:
			a.Obj, err = d.Object()
		case NewID:
			a.Obj, err = d.NewIDArg()
		case String:
			a.Str, err = d.String()
		case Array:
			a.Bytes, err = d.Array()
		case FD:
			var fd int
			fd, err = d.FD()
			a.I32 = int32(fd)
		default:
			err = fmt.Errorf("%w: unknown arg kind %v", ErrInvalidArgument, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("arg %d (%s): %w", i, kind, err)
		}
		args[i] = a
	}
	return args, nil
}
