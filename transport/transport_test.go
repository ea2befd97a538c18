package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/toolgate/toolgate/config"
)

func TestDialRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ServerConfig
	}{
		{"process without command", config.ServerConfig{Name: "a", Transport: "process"}},
		{"http without url", config.ServerConfig{Name: "b", Transport: "http"}},
		{"http-stream without url", config.ServerConfig{Name: "c", Transport: "http-stream"}},
		{"unknown kind", config.ServerConfig{Name: "d", Transport: "carrier-pigeon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Dial(context.Background(), tc.cfg, Options{Logger: zerolog.Nop()})
			if err == nil {
				t.Fatal("expected a config error")
			}
			kind, ok := KindOf(err)
			if !ok || kind != ErrConnectFailed {
				t.Errorf("expected connect_failed, got %v", err)
			}
		})
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	base := &Error{Kind: ErrTimeout, Server: "s", Err: context.DeadlineExceeded}
	wrapped := fmt.Errorf("call failed: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok || kind != ErrTimeout {
		t.Errorf("expected timeout through the chain, got %v %v", kind, ok)
	}
	if _, ok := KindOf(stderrors.New("plain")); ok {
		t.Error("plain errors carry no transport kind")
	}
	if !stderrors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("cause should stay reachable through Unwrap")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"caller abort", context.Canceled, ErrCallFailed},
		{"wrapped caller abort", fmt.Errorf("call: %w", context.Canceled), ErrCallFailed},
		{"remote rejection", stderrors.New("rpc: invalid params"), ErrCallFailed},
		{"eof", io.EOF, ErrClosed},
		{"closed pipe", io.ErrClosedPipe, ErrClosed},
		{"closed file", os.ErrClosed, ErrClosed},
		{"closed network conn", net.ErrClosed, ErrClosed},
		{"broken pipe errno", fmt.Errorf("write: %w", syscall.EPIPE), ErrClosed},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ErrClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestStderrDrainSplitsLines(t *testing.T) {
	var sb strings.Builder
	log := zerolog.New(&sb)
	d := newStderrDrain(log, "files")

	d.Write([]byte("first line\npartial"))
	d.Write([]byte(" rest\n"))

	out := sb.String()
	if !strings.Contains(out, "first line") {
		t.Errorf("first line missing from log: %q", out)
	}
	if !strings.Contains(out, "partial rest") {
		t.Errorf("split line should be reassembled: %q", out)
	}
	if !strings.Contains(out, `"server":"files"`) {
		t.Errorf("server field missing: %q", out)
	}
}
