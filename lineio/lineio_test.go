package lineio

import (
	"net"
	"testing"
	"time"

	"github.com/relaycore/vsmtp/reply"
	"github.com/stretchr/testify/require"
)

func TestReaderReadLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("EHLO client.example.com\r\n"))
	}()

	r := NewReader(server, 2*time.Second)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "EHLO client.example.com", line)
}

func TestReaderEnforcesLineLimit(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := NewReader(server, 2*time.Second)
	r.SetLimit(10)

	done := make(chan error, 1)
	go func() {
		_, err := r.ReadLine()
		done <- err
	}()
	go client.Write([]byte("this line is much longer than the limit\r\n"))
	err := <-done
	require.Error(t, err)
}

func TestReaderReadDotLinesUnstuffs(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	r := NewReader(server, 2*time.Second)
	r.SetLimit(1 << 20)

	go func() {
		client.Write([]byte("hello\r\n..dot-stuffed\r\n.\r\n"))
	}()

	lines, err := r.ReadDotLines()
	require.NoError(t, err)
	require.Equal(t, []string{"hello", ".dot-stuffed"}, lines)
}

func TestWriterWriteReply(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	w := NewWriter(server, 2*time.Second)
	done := make(chan error, 1)
	go func() {
		done <- w.WriteReply(reply.Ok())
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "250 2.0.0 Ok\r\n", string(buf[:n]))
	require.NoError(t, <-done)
}

func TestIsAll7Bit(t *testing.T) {
	require.True(t, IsAll7Bit([]byte("hello world")))
	require.False(t, IsAll7Bit([]byte{0x80, 0x81}))
}
