package ua

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// wireproto is the minimal RFC 3261 framing this package needs once a
// message has already crossed wsTransport: a start line, a flat header
// list (order preserved so responses we build by mirroring a request's
// Via/From/To/Call-ID/CSeq come out byte-faithful), and a body. It only
// round-trips the handful of header fields the rest of ua cares about
// (correlation keys, identity headers); it is not a general SIP parser.
// Outbound requests are built with sipgo's sip.Request; responses to inbound
// requests are rendered by buildResponse below.
type headerField struct {
	name  string
	value string
}

type inboundFrame struct {
	isResponse bool
	method     string
	requestURI string
	statusCode int
	reason     string
	headers    []headerField
	body       []byte
}

func (f *inboundFrame) header(name string) string {
	for _, h := range f.headers {
		if strings.EqualFold(h.name, name) {
			return h.value
		}
	}
	return ""
}

func (f *inboundFrame) headerAll(name string) []string {
	var out []string
	for _, h := range f.headers {
		if strings.EqualFold(h.name, name) {
			out = append(out, h.value)
		}
	}
	return out
}

func (f *inboundFrame) callID() string { return f.header("Call-ID") }

// cseq splits the CSeq header into its sequence number and method.
func (f *inboundFrame) cseq() (int, string) {
	raw := f.header("CSeq")
	parts := strings.Fields(raw)
	if len(parts) != 2 {
		return 0, ""
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, parts[1]
	}
	return n, parts[1]
}

// parseInboundFrame decodes one complete WebSocket text frame (one SIP
// message per RFC 7118) into an inboundFrame.
func parseInboundFrame(data []byte) (*inboundFrame, error) {
	text := string(data)
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errors.New("empty sip frame")
	}

	f := &inboundFrame{}
	startLine := lines[0]
	if strings.HasPrefix(startLine, "SIP/2.0") {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, errors.New("malformed status line")
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrap(err, "parse status code")
		}
		f.isResponse = true
		f.statusCode = code
		if len(parts) == 3 {
			f.reason = parts[2]
		}
	} else {
		parts := strings.SplitN(startLine, " ", 3)
		if len(parts) < 2 {
			return nil, errors.New("malformed request line")
		}
		f.method = parts[0]
		f.requestURI = parts[1]
	}

	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		f.headers = append(f.headers, headerField{
			name:  strings.TrimSpace(line[:idx]),
			value: strings.TrimSpace(line[idx+1:]),
		})
	}
	if i < len(lines) {
		f.body = []byte(strings.Join(lines[i:], "\r\n"))
	}
	return f, nil
}

// buildResponse renders a response that mirrors the Via/From/To/Call-ID/CSeq
// of the inbound request it answers, per RFC 3261 §8.2.6. toTag is appended
// to the To header only when the request's To carries none yet (the usual
// case for a first response to an out-of-dialog request).
func buildResponse(req *inboundFrame, statusCode int, reason, toTag, contact string, body []byte) []byte {
	var b strings.Builder
	b.WriteString("SIP/2.0 ")
	b.WriteString(strconv.Itoa(statusCode))
	b.WriteByte(' ')
	b.WriteString(reason)
	b.WriteString("\r\n")

	for _, via := range req.headerAll("Via") {
		b.WriteString("Via: " + via + "\r\n")
	}
	b.WriteString("From: " + req.header("From") + "\r\n")

	to := req.header("To")
	if toTag != "" && !strings.Contains(to, "tag=") {
		to += ";tag=" + toTag
	}
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Call-ID: " + req.callID() + "\r\n")
	b.WriteString("CSeq: " + req.header("CSeq") + "\r\n")
	if contact != "" {
		b.WriteString("Contact: " + contact + "\r\n")
	}
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	b.Write(body)
	return []byte(b.String())
}
