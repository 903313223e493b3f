package mailparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const dateHeader = "Date: Thu, 30 Jul 2026 10:00:00 +0000\r\n"

func TestParseSimpleTextMessage(t *testing.T) {
	raw := "Subject: hello\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\nbody text\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "hello", m.HeaderValue("Subject"))
	require.Equal(t, "alice@example.com", m.HeaderValue("From"))
	require.Equal(t, Text, m.Body.Kind)
	require.Equal(t, "body text\n", string(m.Body.Raw))
}

func TestParseFoldedHeader(t *testing.T) {
	raw := "Subject: hello\r\n world\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\nbody\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Contains(t, m.HeaderValue("Subject"), "world")
}

func TestParseHeaderValuesRepeated(t *testing.T) {
	raw := "Received: hop1\r\nReceived: hop2\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\nbody\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, []string{"hop1", "hop2"}, m.HeaderValues("Received"))
}

func TestParseMalformedHeaderErrors(t *testing.T) {
	raw := "NotAHeaderLine\r\n\r\nbody\r\n"
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestParseMissingFromOrDateErrors(t *testing.T) {
	_, err := Parse([]byte("Subject: hello\r\n" + dateHeader + "\r\nbody\r\n"))
	require.ErrorIs(t, err, ErrMandatoryHeadersNotFound)

	_, err = Parse([]byte("Subject: hello\r\nFrom: alice@example.com\r\n\r\nbody\r\n"))
	require.ErrorIs(t, err, ErrMandatoryHeadersNotFound)
}

func TestParseMultipartWithAttachment(t *testing.T) {
	boundary := "simpleboundary"
	raw := "Content-Type: multipart/mixed; boundary=" + boundary + "\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\n" +
		"preamble text\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"hello\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"report.bin\"\r\n\r\n" +
		"binarydata\r\n" +
		"--" + boundary + "--\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, Multipart, m.Body.Kind)
	require.Equal(t, boundary, m.Body.Boundary)
	require.Equal(t, "preamble text", m.Body.Preamble)
	require.Len(t, m.Body.Children, 2)
	require.Equal(t, Text, m.Body.Children[0].Kind)
	require.Equal(t, "hello", string(m.Body.Children[0].Raw))
	require.True(t, m.Body.Children[1].IsAttachment())
	require.Equal(t, "report.bin", m.Body.Children[1].Filename)
}

func TestMultipartStringRoundTrips(t *testing.T) {
	// Each part carries exactly one header line: multipart.Reader stores a
	// part's headers in a map, so with more than one header per part their
	// relative order is not guaranteed to survive a round trip.
	boundary := "simpleboundary"
	raw := "Content-Type: multipart/mixed; boundary=" + boundary + "\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\n" +
		"preamble text\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"hello\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"binarydata\r\n" +
		"--" + boundary + "--\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, raw, m.String())
}

func TestParseEmbeddedMessage(t *testing.T) {
	inner := "Subject: inner\r\nFrom: bob@example.com\r\n" + dateHeader + "\r\ninner body\r\n"
	raw := "Content-Type: message/rfc822\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\n" + inner
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, Embedded, m.Body.Kind)
	require.NotNil(t, m.Body.Embedded)
	require.Equal(t, "inner", m.Body.Embedded.HeaderValue("Subject"))
}

func TestMailStringRoundTripsHeaders(t *testing.T) {
	raw := "Subject: hello\r\nFrom: alice@example.com\r\n" + dateHeader + "\r\nbody text\r\n"
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	out := m.String()
	require.True(t, strings.HasPrefix(out, "Subject: hello\r\n"))
	require.Contains(t, out, "From: alice@example.com\r\n")
}
