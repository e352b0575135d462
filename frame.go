package beep

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// FrameType is one of the six BEEP frame mnemonics (spec §3).
type FrameType uint8

const (
	MSG FrameType = iota + 1
	RPY
	ERR
	ANS
	NUL
	typeSEQ // internal; SEQ frames are represented by SeqFrame, not Frame
)

func (t FrameType) String() string {
	switch t {
	case MSG:
		return "MSG"
	case RPY:
		return "RPY"
	case ERR:
		return "ERR"
	case ANS:
		return "ANS"
	case NUL:
		return "NUL"
	case typeSEQ:
		return "SEQ"
	default:
		return "???"
	}
}

func parseFrameType(tok string) (FrameType, bool) {
	switch tok {
	case "MSG":
		return MSG, true
	case "RPY":
		return RPY, true
	case "ERR":
		return ERR, true
	case "ANS":
		return ANS, true
	case "NUL":
		return NUL, true
	case "SEQ":
		return typeSEQ, true
	default:
		return 0, false
	}
}

// trailer is the fixed end-of-frame marker (spec §4.1).
const trailer = "END\r\n"

// Frame is one BEEP frame header plus payload (spec §3 Frame). SEQ
// frames are represented separately by SeqFrame since they carry no
// payload and no trailer.
type Frame struct {
	Type    FrameType
	Channel uint16
	Msgno   uint32 // 31-bit; echoes the MSG being replied to for RPY/ERR/ANS/NUL
	More    bool
	Seqno   uint32 // modulo 2^32, octet offset of payload within the channel's send stream
	Ansno   uint32 // only meaningful for ANS
	Payload []byte
}

// SeqFrame is a flow-control advertisement (spec §3 SEQ frames).
type SeqFrame struct {
	Channel uint16
	Ackno   uint32
	Window  uint32
}

// maxMsgno is the 31-bit ceiling on message numbers (spec §3).
const maxMsgno = 1<<31 - 1

// validate checks the framing invariants of spec §3: "more=true requires
// payload_size > 0 for MSG/RPY/ERR/ANS; NUL frames have payload_size 0
// and more=false."
func (f *Frame) validate() error {
	if f.Msgno > maxMsgno {
		return framingError("msgno %d exceeds 31-bit range", f.Msgno)
	}
	if f.Type == NUL {
		if f.More || len(f.Payload) != 0 {
			return framingError("NUL frame must have more=false and an empty payload")
		}
		return nil
	}
	if f.Type != ANS && f.Ansno != 0 {
		return framingError("ansno is only valid on ANS frames")
	}
	if f.More && len(f.Payload) == 0 {
		return framingError("more=true requires a non-empty payload")
	}
	return nil
}

// Encoder serializes frames onto an underlying byte stream (spec §4.1).
type Encoder struct {
	w   *bufio.Writer
	buf bytes.Buffer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteFrame serializes f. If budget is non-negative, the payload size
// is checked against it first and a sequence-kind *ProtocolError is
// returned without writing anything, matching the
// spec's "on serialize, the codec rejects requests whose size exceeds
// the caller-provided remote window budget" (§4.1).
func (e *Encoder) WriteFrame(f *Frame, budget int64) error {
	if err := f.validate(); err != nil {
		return err
	}
	if budget >= 0 && int64(len(f.Payload)) > budget {
		return sequenceError("frame of %d bytes exceeds remote window budget of %d", len(f.Payload), budget)
	}

	e.buf.Reset()
	e.buf.WriteString(f.Type.String())
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.FormatUint(uint64(f.Channel), 10))
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.FormatUint(uint64(f.Msgno), 10))
	e.buf.WriteByte(' ')
	if f.More {
		e.buf.WriteByte('*')
	} else {
		e.buf.WriteByte('.')
	}
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.FormatUint(uint64(f.Seqno), 10))
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.Itoa(len(f.Payload)))
	if f.Type == ANS {
		e.buf.WriteByte(' ')
		e.buf.WriteString(strconv.FormatUint(uint64(f.Ansno), 10))
	}
	e.buf.WriteString("\r\n")
	e.buf.Write(f.Payload)
	e.buf.WriteString(trailer)

	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteSeq serializes a SEQ frame: "SEQ <channel> <ackno> <window>\r\n",
// with no payload and no trailer (spec §4.1).
func (e *Encoder) WriteSeq(s *SeqFrame) error {
	e.buf.Reset()
	e.buf.WriteString("SEQ ")
	e.buf.WriteString(strconv.FormatUint(uint64(s.Channel), 10))
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.FormatUint(uint64(s.Ackno), 10))
	e.buf.WriteByte(' ')
	e.buf.WriteString(strconv.FormatUint(uint64(s.Window), 10))
	e.buf.WriteString("\r\n")

	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder parses frames from an underlying byte stream (spec §4.1,
// §4.4). Decoder is not safe for concurrent use; a connection has
// exactly one reader (spec §5).
type Decoder struct {
	r         *bufio.Reader
	readLimit int64 // 0 = unlimited
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// SetReadLimit caps the payload size accepted by ReadFrame; frames whose
// declared size exceeds the limit fail with a framing error.
func (d *Decoder) SetReadLimit(n int64) { d.readLimit = n }

// ReadFrame reads and parses the next frame. Exactly one of the
// returned (*Frame, *SeqFrame) is non-nil on success.
func (d *Decoder) ReadFrame() (*Frame, *SeqFrame, error) {
	line, err := d.readHeaderLine()
	if err != nil {
		return nil, nil, err
	}

	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return nil, nil, framingError("malformed frame header %q", line)
	}

	typ, ok := parseFrameType(string(fields[0]))
	if !ok {
		return nil, nil, framingError("unknown frame type %q", fields[0])
	}

	if typ == typeSEQ {
		s, err := d.parseSeq(fields)
		return nil, s, err
	}

	f, size, err := d.parseFrameHeader(typ, fields)
	if err != nil {
		return nil, nil, err
	}

	if d.readLimit > 0 && int64(size) > d.readLimit {
		return nil, nil, framingError("payload of %d bytes exceeds read limit of %d", size, d.readLimit)
	}

	f.Payload = make([]byte, size)
	if _, err := readFull(d.r, f.Payload); err != nil {
		return nil, nil, err
	}

	if err := d.readTrailer(); err != nil {
		return nil, nil, err
	}

	if err := f.validate(); err != nil {
		return nil, nil, err
	}

	return f, nil, nil
}

func (d *Decoder) readHeaderLine() ([]byte, error) {
	line, err := d.r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, framingError("frame header not terminated by CRLF")
	}
	// Copy: ReadSlice's buffer is only valid until the next read.
	out := make([]byte, len(line)-2)
	copy(out, line[:len(line)-2])
	return out, nil
}

func (d *Decoder) readTrailer() error {
	line, err := d.readHeaderLine()
	if err != nil {
		return err
	}
	if string(line) != "END" {
		return framingError("missing END trailer, got %q", line)
	}
	return nil
}

func (d *Decoder) parseSeq(fields [][]byte) (*SeqFrame, error) {
	if len(fields) != 4 {
		return nil, framingError("malformed SEQ header")
	}
	ch, err := parseUint16(fields[1])
	if err != nil {
		return nil, err
	}
	ack, err := parseUint32(fields[2])
	if err != nil {
		return nil, err
	}
	win, err := parseUint32(fields[3])
	if err != nil {
		return nil, err
	}
	return &SeqFrame{Channel: ch, Ackno: ack, Window: win}, nil
}

func (d *Decoder) parseFrameHeader(typ FrameType, fields [][]byte) (*Frame, int, error) {
	wantFields := 6
	if typ == ANS {
		wantFields = 7
	}
	if len(fields) != wantFields {
		return nil, 0, framingError("malformed %s header: wrong field count", typ)
	}

	ch, err := parseUint16(fields[1])
	if err != nil {
		return nil, 0, err
	}
	msgno, err := parseUint32(fields[2])
	if err != nil {
		return nil, 0, err
	}

	var more bool
	switch string(fields[3]) {
	case "*":
		more = true
	case ".":
		more = false
	default:
		return nil, 0, framingError("malformed more flag %q", fields[3])
	}

	seqno, err := parseUint32(fields[4])
	if err != nil {
		return nil, 0, err
	}

	size, err := parseSize(fields[5])
	if err != nil {
		return nil, 0, err
	}

	var ansno uint32
	if typ == ANS {
		ansno, err = parseUint32(fields[6])
		if err != nil {
			return nil, 0, err
		}
	}

	return &Frame{
		Type:    typ,
		Channel: ch,
		Msgno:   msgno,
		More:    more,
		Seqno:   seqno,
		Ansno:   ansno,
	}, size, nil
}

func readFull(r *bufio.Reader, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		rn, err := r.Read(p[n:])
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func parseUint16(b []byte) (uint16, error) {
	v, err := strconv.ParseUint(string(b), 10, 16)
	if err != nil {
		return 0, framingError("malformed numeric field %q", b)
	}
	return uint16(v), nil
}

func parseUint32(b []byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, framingError("malformed numeric field %q", b)
	}
	return uint32(v), nil
}

func parseSize(b []byte) (int, error) {
	v, err := strconv.ParseUint(string(b), 10, 31)
	if err != nil {
		return 0, framingError("malformed size field %q", b)
	}
	return int(v), nil
}
