package smtp

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/relaycore/vsmtp/address"
	"github.com/stretchr/testify/require"
)

// fakeMXServer accepts one connection, speaks just enough of the protocol to
// let Deliver complete a plaintext delivery with no STARTTLS/AUTH offered,
// and records the commands it saw.
func fakeMXServer(t *testing.T) (port int, commands chan string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	commands = make(chan string, 16)
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer listener.Close()
		r := bufio.NewReader(conn)
		conn.Write([]byte("220 mx.example.com ESMTP\r\n"))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			commands <- line
			switch {
			case hasPrefix(line, "EHLO"):
				conn.Write([]byte("250-mx.example.com\r\n250 8BITMIME\r\n"))
			case hasPrefix(line, "MAIL FROM"):
				conn.Write([]byte("250 OK\r\n"))
			case hasPrefix(line, "RCPT TO"):
				conn.Write([]byte("250 OK\r\n"))
			case hasPrefix(line, "DATA"):
				conn.Write([]byte("354 go ahead\r\n"))
				for {
					dataLine, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if dataLine == ".\r\n" {
						break
					}
				}
				conn.Write([]byte("250 queued\r\n"))
			case hasPrefix(line, "QUIT"):
				conn.Write([]byte("221 bye\r\n"))
				return
			}
		}
	}()
	return port, commands
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestDeliverSuccessfulPlaintextDelivery(t *testing.T) {
	port, commands := fakeMXServer(t)
	from, err := address.Parse("sender@example.org")
	require.NoError(t, err)
	rcpt, err := address.Parse("recipient@example.com")
	require.NoError(t, err)

	cfg := SenderConfig{HELOName: "client.example.org", DialTimeout: 2 * time.Second}
	result := Deliver(context.Background(), cfg, "127.0.0.1", port, from, []address.Address{rcpt}, []byte("Subject: hi\r\n\r\nbody\r\n"))

	require.NoError(t, result.Err)
	require.Len(t, result.Accepted, 1)
	require.Empty(t, result.Rejected)
	require.False(t, result.TLSUsed)

	require.Contains(t, <-commands, "EHLO")
	require.Contains(t, <-commands, "MAIL FROM:<sender@example.org>")
	require.Contains(t, <-commands, "RCPT TO:<recipient@example.com>")
	require.Contains(t, <-commands, "DATA")
}

func TestDeliverConnectionRefused(t *testing.T) {
	from, _ := address.Parse("sender@example.org")
	rcpt, _ := address.Parse("recipient@example.com")
	cfg := SenderConfig{HELOName: "client.example.org", DialTimeout: time.Second}
	result := Deliver(context.Background(), cfg, "127.0.0.1", 1, from, []address.Address{rcpt}, []byte("body"))
	require.Error(t, result.Err)
}

func TestExponentialJitterBackoffSchedule(t *testing.T) {
	backoff := ExponentialJitterBackoff{Base: 30 * time.Second, JitterSeconds: 30, MaxAttempts: 3}

	delay, retry := backoff.NextDelay(1)
	require.True(t, retry)
	require.GreaterOrEqual(t, delay, 30*time.Second)
	require.Less(t, delay, 60*time.Second+time.Second)

	delay, retry = backoff.NextDelay(2)
	require.True(t, retry)
	require.GreaterOrEqual(t, delay, 60*time.Second)

	_, retry = backoff.NextDelay(4)
	require.False(t, retry)
}

func TestExponentialJitterBackoffZeroJitter(t *testing.T) {
	backoff := ExponentialJitterBackoff{Base: 10 * time.Second, JitterSeconds: 0, MaxAttempts: 5}
	delay, retry := backoff.NextDelay(1)
	require.True(t, retry)
	require.Equal(t, 10*time.Second, delay)
}
