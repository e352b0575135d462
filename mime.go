package beep

import "bytes"

// MimePolicy is the tri-state automatic-MIME-handling setting resolved
// with explicit precedence channel -> profile -> connection (spec
// §4.2.2; tri-state made explicit per SPEC_FULL.md's libvortex-derived
// supplement).
type MimePolicy uint8

const (
	// MimeInherit defers to the next broader scope (channel defers to
	// profile, profile defers to the connection-wide default).
	MimeInherit MimePolicy = iota
	MimeEnabled
	MimeDisabled
)

// resolveMimePolicy applies the channel -> profile -> connection
// precedence chain, finally falling back to enabled (spec §4.2.2:
// "...implicit-enabled").
func resolveMimePolicy(channel, profile, connection MimePolicy) MimePolicy {
	for _, p := range []MimePolicy{channel, profile, connection} {
		if p != MimeInherit {
			return p
		}
	}
	return MimeEnabled
}

// MimeHeader is a single "Name: Value" header line emitted ahead of the
// empty-line MIME separator when automatic MIME handling is enabled and
// the header is configured on the channel with Channel.SetMimeHeaders
// (spec §4.2.2; libvortex supplement in SPEC_FULL.md). Profiles carry
// no header defaults.
type MimeHeader struct {
	Name  string
	Value string
}

// mimeSeparator is the minimum MIME-conformant prefix required of the
// first frame of a channel's first message (spec §3 Frame, §4.2.2).
const mimeSeparator = "\r\n"

// buildMimePrefix returns the bytes that must be prepended to the first
// frame of a message when automatic MIME handling resolves to enabled:
// any configured headers, followed by the empty-header separator.
func buildMimePrefix(headers []MimeHeader) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString(mimeSeparator)
	return buf.Bytes()
}

// stripMimePrefix parses and removes the leading MIME envelope that
// buildMimePrefix attaches to a channel's first inbound MSG, mirroring
// the encode side so the application sees only the message body (spec
// §4.2.3: reassembled delivery attempts MIME parsing). A malformed or
// absent envelope is returned unchanged rather than rejected — the
// separator is a framing nicety, not a second wire grammar to enforce.
func stripMimePrefix(payload []byte) (headers []MimeHeader, body []byte) {
	rest := payload
	for {
		idx := bytes.Index(rest, []byte(mimeSeparator))
		if idx < 0 {
			return nil, payload
		}
		line := rest[:idx]
		if len(line) == 0 {
			return headers, rest[idx+len(mimeSeparator):]
		}
		name, value, ok := splitMimeHeaderLine(line)
		if !ok {
			return nil, payload
		}
		headers = append(headers, MimeHeader{Name: name, Value: value})
		rest = rest[idx+len(mimeSeparator):]
	}
}

func splitMimeHeaderLine(line []byte) (name, value string, ok bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return string(bytes.TrimSpace(line[:idx])), string(bytes.TrimSpace(line[idx+1:])), true
}
