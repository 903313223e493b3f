package smtpclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialiseCreatesSpoolDirs(t *testing.T) {
	dir := t.TempDir()
	d := &Daemon{Config: Config{SpoolDir: filepath.Join(dir, "spool"), HELOName: "mx.example.com"}}
	require.NoError(t, d.Initialise())
	info, err := os.Stat(d.SpoolDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	info, err = os.Stat(d.DeadLetterDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestEnqueueWritesEnvelopeFile(t *testing.T) {
	dir := t.TempDir()
	d := &Daemon{Config: Config{SpoolDir: dir, HELOName: "mx.example.com"}}
	require.NoError(t, d.Initialise())
	require.NoError(t, d.Enqueue("alice@example.com", []string{"bob@example.net"}, []byte("Subject: hi\r\n\r\nbody\r\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			found = true
			body, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			var env Envelope
			require.NoError(t, json.Unmarshal(body, &env))
			require.Equal(t, "alice@example.com", env.From)
			require.Equal(t, []string{"bob@example.net"}, env.To)
		}
	}
	require.True(t, found)
}

func TestAttemptDeadLettersMalformedFrom(t *testing.T) {
	dir := t.TempDir()
	d := &Daemon{Config: Config{SpoolDir: dir, HELOName: "mx.example.com"}}
	require.NoError(t, d.Initialise())
	path := filepath.Join(dir, "1.json")
	env := Envelope{From: "not-an-address", To: []string{"bob@example.net"}, Data: "x"}
	require.NoError(t, writeEnvelope(path, env))

	d.attempt(nil, path, env)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(d.DeadLetterDir, "1.json"))
	require.NoError(t, err)
}

func TestRescheduleSetsNextTry(t *testing.T) {
	dir := t.TempDir()
	d := &Daemon{Config: Config{SpoolDir: dir, HELOName: "mx.example.com"}}
	require.NoError(t, d.Initialise())
	path := filepath.Join(dir, "2.json")
	env := Envelope{From: "alice@example.com", To: []string{"bob@example.net"}, Data: "x"}
	require.NoError(t, writeEnvelope(path, env))

	d.reschedule(path, env)

	got, err := readEnvelope(path)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.NextTry.After(time.Now()))
}
