package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	entry := l.WithField("k", "v")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}

func TestServiceFieldIsAttached(t *testing.T) {
	var out bytes.Buffer
	l := NewLoggerWithService("coxswain")
	l.SetOutput(&out)
	l.SetFormatter(&logrus.JSONFormatter{})

	l.Info("hello")

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("expected json log line, got %q: %v", out.String(), err)
	}
	if decoded["service"] != "coxswain" {
		t.Fatalf("expected service field, got %v", decoded["service"])
	}
}

func TestBufferedOutputHoldsUntilFlush(t *testing.T) {
	var out bytes.Buffer
	l := logrus.New()
	l.SetOutput(&out)
	l.SetFormatter(&logrus.JSONFormatter{})

	buf := Buffer(l)
	l.Info("buffered")
	if out.Len() != 0 {
		t.Fatalf("expected nothing written before flush, got %q", out.String())
	}
	if err := buf.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("buffered")) {
		t.Fatalf("expected flushed line, got %q", out.String())
	}
}
