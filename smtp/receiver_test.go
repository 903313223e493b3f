package smtp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) (*Conn, net.Conn) {
	server, client := net.Pipe()
	cfg := Config{ServerName: "mx.example.com", Limits: Limits{IOTimeout: 5 * time.Second, MsgSize: 1024, BadCmds: 5}}
	return NewConn(server, cfg), client
}

func TestReceiverGreetingAndHelo(t *testing.T) {
	conn, client := newTestConn(t)
	defer client.Close()
	clientReader := bufio.NewReader(client)

	done := make(chan EventInfo, 1)
	go func() { done <- conn.Next() }()

	greeting, err := clientReader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, greeting, "220")

	client.Write([]byte("EHLO client.example.com\r\n"))
	evt := <-done
	require.Equal(t, COMMAND, evt.What)
	require.Equal(t, EHLO, evt.Cmd)

	go func() { done <- conn.Next() }()
	for {
		line, err := clientReader.ReadString('\n')
		require.NoError(t, err)
		if line[3] == ' ' {
			require.Contains(t, line, "250")
			break
		}
	}
}

func TestReceiverOutOfSequenceRcpt(t *testing.T) {
	conn, client := newTestConn(t)
	defer client.Close()
	clientReader := bufio.NewReader(client)

	go conn.Next()
	clientReader.ReadString('\n') // greeting

	done := make(chan EventInfo, 1)
	go func() { done <- conn.Next() }()
	client.Write([]byte("RCPT TO:<bob@example.com>\r\n"))
	line, err := clientReader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "503")
	_ = done
}

func TestReceiverRejectsOverlongLineWithReply(t *testing.T) {
	conn, client := newTestConn(t)
	defer client.Close()
	clientReader := bufio.NewReader(client)

	done := make(chan EventInfo, 1)
	go func() { done <- conn.Next() }()
	clientReader.ReadString('\n') // greeting

	overlong := strings.Repeat("a", 2000) + "\r\n"
	go client.Write([]byte(overlong))

	line, err := clientReader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "500")
	require.Contains(t, line, "5.5.6")
	evt := <-done
	require.Equal(t, ABORT, evt.What)
}

func TestParseCmdStateTransitions(t *testing.T) {
	require.Equal(t, sHelo, states[HELO].next)
	require.Equal(t, sMail, states[MAILFROM].next)
	require.Equal(t, sRcpt, states[RCPTTO].next)
	require.Equal(t, sData, states[DATA].next)
}
