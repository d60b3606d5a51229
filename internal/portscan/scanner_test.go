package portscan

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s := New("", nil)

	tests := []struct {
		name    string
		line    string
		port    int
		ok      bool
		wantErr bool
	}{
		{name: "readiness line", line: "foo: listen on 4021", port: 4021, ok: true},
		{name: "trailing text", line: "sl-pm: listen on 8701 (pid 12)", port: 8701, ok: true},
		{name: "not a readiness line", line: "foo: now running"},
		{name: "marker without digits", line: "foo: listen on port"},
		{name: "zero port", line: "foo: listen on 0", ok: true, wantErr: true},
		{name: "port too large", line: "foo: listen on 70000", ok: true, wantErr: true},
		{name: "overflow", line: "foo: listen on 99999999999999999999999", ok: true, wantErr: true},
		{name: "missing colon", line: "listen on 4021"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok, err := s.Parse(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPort))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestParseCustomMarker(t *testing.T) {
	s := New("bound to port=", nil)

	port, ok, err := s.Parse("server bound to port=9000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9000, port)

	_, ok, _ = s.Parse("foo: listen on 4021")
	assert.False(t, ok, "default marker must not match a custom scanner")
}

func TestScanReportsEveryValidPort(t *testing.T) {
	input := strings.Join([]string{
		"booting",
		"foo: listen on 70000",
		"foo: now running",
		"foo: listen on 4021",
		"foo: listen on 4022",
	}, "\n")

	var ports []int
	err := New("", nil).Scan(context.Background(), strings.NewReader(input), func(p int) {
		ports = append(ports, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4021, 4022}, ports)
}

func TestScanNoMatchUntilEOF(t *testing.T) {
	var calls int
	err := New("", nil).Scan(context.Background(), strings.NewReader("a\nb\nc\n"), func(int) { calls++ })
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestScanStreamsIncrementally(t *testing.T) {
	pr, pw := io.Pipe()
	found := make(chan int, 1)
	done := make(chan error, 1)

	go func() {
		done <- New("", nil).Scan(context.Background(), pr, func(p int) { found <- p })
	}()

	_, err := io.WriteString(pw, "child: listen on 5050\n")
	require.NoError(t, err)

	// The port must arrive while the stream is still open.
	assert.Equal(t, 5050, <-found)

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}

func TestScanStopsReportingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := New("", nil).Scan(ctx, strings.NewReader("foo: listen on 4021\n"), func(int) { calls++ })
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestScanSkipsOverlongLineAndContinues(t *testing.T) {
	input := strings.Repeat("x", maxLineBytes+10) + "\nboot: listen on 4021\n"

	var ports []int
	err := New("", nil).Scan(context.Background(), strings.NewReader(input), func(p int) { ports = append(ports, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{4021}, ports)
}

func TestScanOverlongReadinessLineIsIgnored(t *testing.T) {
	input := "boot: listen on 4000" + strings.Repeat("0", maxLineBytes) + "\nboot: listen on 4021\n"

	var ports []int
	err := New("", nil).Scan(context.Background(), strings.NewReader(input), func(p int) { ports = append(ports, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{4021}, ports)
}

func TestScanCRLFAndUnterminatedLastLine(t *testing.T) {
	input := "starting\r\nboot: listen on 4021\r\nboot: listen on 4022"

	var ports []int
	err := New("", nil).Scan(context.Background(), strings.NewReader(input), func(p int) { ports = append(ports, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{4021, 4022}, ports)
}
