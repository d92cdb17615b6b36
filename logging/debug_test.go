package logging

import (
	"bytes"
	"strings"
	"testing"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

func TestDebugLogger_Filter(t *testing.T) {
	tests := []struct {
		filter string
		logged []string
		muted  []string
	}{
		{"", []string{"tag", "mqtt", "api"}, nil},
		{"mqtt", []string{"mqtt"}, []string{"tag", "kafka"}},
		{"tag", []string{"tag", "supervision"}, []string{"rule"}},
		{"core", []string{"tag", "supervision", "rule", "engine"}, []string{"valkey"}},
		{"transport, api", []string{"mqtt", "kafka", "valkey", "push", "api"}, []string{"rule"}},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			out := &bufCloser{}
			l := newDebugLogger(out)
			l.SetFilter(tt.filter)
			for _, c := range append(tt.logged, tt.muted...) {
				l.Log(c, "hello from %s", c)
			}
			got := out.String()
			for _, c := range tt.logged {
				if !strings.Contains(got, "["+c+"] hello from "+c) {
					t.Errorf("expected %s line in output:\n%s", c, got)
				}
			}
			for _, c := range tt.muted {
				if strings.Contains(got, "hello from "+c) {
					t.Errorf("did not expect %s line in output:\n%s", c, got)
				}
			}
		})
	}
}

func TestDebugLogger_LogRX(t *testing.T) {
	out := &bufCloser{}
	l := newDebugLogger(out)
	l.LogRX("mqtt", "taglink/updates", []byte(`{"id":1234}`))

	got := out.String()
	if !strings.Contains(got, "RX taglink/updates (11 bytes)") {
		t.Errorf("missing RX header:\n%s", got)
	}
	if !strings.Contains(got, `{"id":1234}`) {
		t.Errorf("missing ASCII column:\n%s", got)
	}
}

func TestDebugLogger_Close(t *testing.T) {
	out := &bufCloser{}
	l := newDebugLogger(out)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !out.closed {
		t.Error("underlying writer not closed")
	}
	l.Log("tag", "after close")
	if strings.Contains(out.String(), "after close") {
		t.Error("logged after close")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDebugLogger_NilSafe(t *testing.T) {
	var l *DebugLogger
	l.Log("tag", "x")
	l.LogRX("tag", "x", nil)
	l.SetFilter("tag")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
}

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "    (empty)"},
		{"short", []byte("AB"), "    0000: 41 42"},
		{"two lines", make([]byte, 17), "    0010: 00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hexDump(tt.data); !strings.Contains(got, tt.want) {
				t.Errorf("hexDump = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestGlobalDebugLogger(t *testing.T) {
	out := &bufCloser{}
	SetGlobalDebugLogger(newDebugLogger(out))
	defer SetGlobalDebugLogger(nil)

	DebugLog("engine", "started %d tags", 3)
	if !strings.Contains(out.String(), "[engine] started 3 tags") {
		t.Errorf("global DebugLog not written:\n%s", out.String())
	}
}
