package smtpd

import (
	"fmt"
	"strings"
	"time"

	"github.com/relaycore/vsmtp/mailparse"
	"github.com/relaycore/vsmtp/rules"
)

// SetHeader looks up name in the raw message text and replaces its value,
// or prepends name: value if the header is not already present.
func SetHeader(mail, name, value string) string {
	lines := strings.Split(mail, "\n")
	var out []string
	var found bool
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(name)+":") {
			found = true
			out = append(out, fmt.Sprintf("%s: %s", name, value))
		} else {
			out = append(out, line)
		}
	}
	if !found {
		out = append([]string{fmt.Sprintf("%s: %s", name, value)}, out...)
	}
	return strings.Join(out, "\n")
}

// GetHeader returns the value of the first occurrence of name in the raw
// message text, or "" if absent.
func GetHeader(mail, name string) string {
	lines := strings.Split(mail, "\n")
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(name)+":") {
			return strings.TrimSpace(line[strings.Index(line, ":")+1:])
		}
	}
	return ""
}

// StampReceivedHeaderAction builds a Data-stage rules.Action that
// prepends a Received trace header recording the connecting client's
// HELO/EHLO name, the way every hop an MTA relays a message through adds one.
// It mutates ctx.Message.Headers in place so downstream DKIM signing and
// queuing observe the stamped header.
func StampReceivedHeaderAction(serverName string, now func() time.Time) rules.Action {
	return rules.Action{
		DirectiveName: "stamp-received-header",
		Run: func(ctx *rules.Context) {
			if ctx.Message == nil {
				return
			}
			value := fmt.Sprintf("from %s by %s; %s", ctx.ClientName.String(), serverName, now().Format(time.RFC1123Z))
			received := mailparse.Header{Name: "Received", Raw: value}
			ctx.Message.Headers = append([]mailparse.Header{received}, ctx.Message.Headers...)
		},
	}
}
