/*
Package mailparse decodes the RFC 5322 message plus RFC 2045-2049 MIME
structure carried in a DATA payload, preserving header order and
original folding so a Mail can be serialised back out. A multipart part's
own headers are re-emitted in no fixed order, and a captured epilogue is
written before the closing boundary line, so such messages do not always
serialise back to the exact input.
*/
package mailparse

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// ErrMandatoryHeadersNotFound is returned by Parse when the message is
// missing a From or a Date header, both mandatory per RFC 5322 3.6.
var ErrMandatoryHeadersNotFound = errors.New("mailparse: mandatory header (From or Date) not found")

// Header is one header field, keeping both the canonical name and the
// exact raw value (including any folding whitespace) so round-tripping
// does not perturb DKIM canonicalisation inputs.
type Header struct {
	Name string
	Raw  string // value after "Name:", one leading space removed; folded lines joined with "\n"
}

// Value returns Raw with surrounding whitespace trimmed.
func (h Header) Value() string {
	return strings.TrimSpace(h.Raw)
}

// PartKind discriminates the shape of a MIME body.
type PartKind int

const (
	Text PartKind = iota
	HTML
	Binary
	Multipart
	Embedded // message/rfc822
)

// Part is one node of the MIME tree.
type Part struct {
	Kind        PartKind
	Headers     []Header
	ContentType string
	Filename    string // non-empty when the part is an attachment
	Raw         []byte // raw bytes for leaf kinds
	Children    []*Part
	Embedded    *Mail // set when Kind == Embedded
	Boundary    string
	Preamble    string
	Epilogue    string
}

// IsAttachment reports whether Part looks like an attachment: it carries a
// filename (from Content-Disposition or a Content-Type "name" parameter) or
// an explicit "attachment" disposition.
func (p *Part) IsAttachment() bool {
	if p.Filename != "" {
		return true
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Content-Disposition") &&
			strings.HasPrefix(strings.ToLower(h.Value()), "attachment") {
			return true
		}
	}
	return false
}

// Mail is a fully parsed message: its header block in original order, plus
// the parsed body.
type Mail struct {
	Headers []Header
	Body    *Part
}

// HeaderValues returns every Value() of headers named name (case-insensitive),
// in original order, matching RFC 5322's allowance for repeated fields.
func (m *Mail) HeaderValues(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value())
		}
	}
	return out
}

// HeaderValue returns the first value of the named header, "" if absent.
func (m *Mail) HeaderValue(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value()
		}
	}
	return ""
}

// Parse decodes raw into a Mail. raw must already have CRLF->LF or be left
// as CRLF; both line endings are accepted.
func Parse(raw []byte) (*Mail, error) {
	headers, bodyBytes, err := splitHeaders(raw)
	if err != nil {
		return nil, err
	}
	if firstValue(headers, "From") == "" || firstValue(headers, "Date") == "" {
		return nil, ErrMandatoryHeadersNotFound
	}
	contentType := firstValue(headers, "Content-Type")
	body, err := parseBody(headers, contentType, bodyBytes)
	if err != nil {
		return nil, err
	}
	return &Mail{Headers: headers, Body: body}, nil
}

func firstValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value()
		}
	}
	return ""
}

// splitHeaders scans raw for the header block, honouring RFC 5322 3.2.2
// folding (a continuation line starts with SP or HTAB).
func splitHeaders(raw []byte) ([]Header, []byte, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var headers []Header
	var cur *Header
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur.Raw += "\n" + line
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, nil, fmt.Errorf("mailparse: malformed header line %q", line)
		}
		h := Header{Name: line[:colon], Raw: strings.TrimPrefix(line[colon+1:], " ")}
		headers = append(headers, h)
		cur = &headers[len(headers)-1]
	}
	body := strings.Join(lines[i:], "\n")
	return headers, []byte(body), nil
}

func parseBody(headers []Header, contentType string, raw []byte) (*Part, error) {
	if contentType == "" {
		return &Part{Kind: Text, ContentType: "text/plain", Raw: raw}, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return &Part{Kind: Text, ContentType: contentType, Raw: raw}, nil
	}
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		return parseMultipart(mediaType, params, raw)
	case mediaType == "message/rfc822":
		embedded, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("mailparse: embedded message: %w", err)
		}
		return &Part{Kind: Embedded, ContentType: mediaType, Embedded: embedded}, nil
	case mediaType == "text/html":
		return &Part{Kind: HTML, ContentType: mediaType, Raw: raw}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return &Part{Kind: Text, ContentType: mediaType, Raw: raw}, nil
	default:
		return &Part{Kind: Binary, ContentType: mediaType, Filename: attachmentName(headers, params), Raw: raw}, nil
	}
}

func parseMultipart(mediaType string, params map[string]string, raw []byte) (*Part, error) {
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("mailparse: multipart %q missing boundary", mediaType)
	}
	reader := multipart.NewReader(strings.NewReader(string(raw)), boundary)
	root := &Part{Kind: Multipart, ContentType: mediaType, Boundary: boundary}

	// multipart.Reader does not expose the preamble or epilogue; recover
	// them by locating the first and last boundary lines ourselves, the
	// way readers that need the full framing for serialisation must.
	rawStr := string(raw)
	if idx := strings.Index(rawStr, "--"+boundary); idx > 0 {
		root.Preamble = strings.TrimRight(rawStr[:idx], "\r\n")
	}
	if idx := strings.LastIndex(rawStr, "--"+boundary+"--"); idx >= 0 {
		rest := strings.TrimPrefix(rawStr[idx+len("--"+boundary+"--"):], "\r\n")
		rest = strings.TrimPrefix(rest, "\n")
		root.Epilogue = strings.TrimRight(rest, "\r\n")
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		var headers []Header
		for k, vs := range part.Header {
			for _, v := range vs {
				headers = append(headers, Header{Name: k, Raw: v})
			}
		}
		bodyBytes, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("mailparse: reading multipart body: %w", err)
		}
		childCT := part.Header.Get("Content-Type")
		child, err := parseBody(headers, childCT, bodyBytes)
		if err != nil {
			return nil, err
		}
		child.Headers = headers
		if fn := part.FileName(); fn != "" {
			child.Filename = fn
		}
		root.Children = append(root.Children, child)
	}
	return root, nil
}

func attachmentName(headers []Header, contentTypeParams map[string]string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Disposition") {
			_, params, err := mime.ParseMediaType(h.Value())
			if err == nil && params["filename"] != "" {
				return params["filename"]
			}
		}
	}
	return contentTypeParams["name"]
}

// String serialises m back to RFC 5322 wire form (CRLF-terminated), using
// the original header order and raw values, and the body's Raw bytes for
// leaf parts with their LF line endings written as CRLF. Multipart reconstruction re-emits the captured preamble,
// each child's own header block and body framed by its boundary, the
// epilogue, and the closing "--boundary--" line.
func (m *Mail) String() string {
	var b strings.Builder
	writeHeaders(&b, m.Headers)
	b.WriteString("\r\n")
	writePart(&b, m.Body)
	return b.String()
}

func writeHeaders(b *strings.Builder, headers []Header) {
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(h.Raw, "\n", "\r\n"))
		b.WriteString("\r\n")
	}
}

func writePart(b *strings.Builder, p *Part) {
	if p == nil {
		return
	}
	switch p.Kind {
	case Embedded:
		if p.Embedded != nil {
			b.WriteString(p.Embedded.String())
		}
	case Multipart:
		if p.Preamble != "" {
			b.WriteString(strings.ReplaceAll(p.Preamble, "\n", "\r\n"))
			b.WriteString("\r\n")
		}
		for _, child := range p.Children {
			b.WriteString("--")
			b.WriteString(p.Boundary)
			b.WriteString("\r\n")
			writeHeaders(b, child.Headers)
			b.WriteString("\r\n")
			writePart(b, child)
			b.WriteString("\r\n")
		}
		if p.Epilogue != "" {
			b.WriteString(strings.ReplaceAll(p.Epilogue, "\n", "\r\n"))
			b.WriteString("\r\n")
		}
		b.WriteString("--")
		b.WriteString(p.Boundary)
		b.WriteString("--\r\n")
	default:
		b.WriteString(strings.ReplaceAll(string(p.Raw), "\n", "\r\n"))
	}
}
