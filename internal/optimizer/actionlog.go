package optimizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Action is one optimization record.
type Action struct {
	Time      time.Time   `json:"time" yaml:"time"`
	Bytes     uint64      `json:"bytes" yaml:"bytes"`
	Threshold uint64      `json:"threshold" yaml:"threshold"`
	Governor  string      `json:"governor" yaml:"governor"`
	CPUs      []int       `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	IRQs      map[int]int `json:"irqs,omitempty" yaml:"irqs,omitempty"` // irq -> cpu
	Result    string      `json:"result" yaml:"result"`
	Error     string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func (a Action) fail(err error) (Action, error) {
	a.Result = ResultFailed
	a.Error = err.Error()
	return a, err
}

// ActionLog is the append-only optimization log, one JSON object per line.
// Each record is a single O_APPEND write so concurrent writers never
// interleave within a line.
type ActionLog struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *logrus.Logger
}

// OpenActionLog opens path for appending, creating it if needed.
func OpenActionLog(path string) (*ActionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}

	w := logrus.New()
	w.SetOutput(f)
	w.SetLevel(logrus.InfoLevel)
	w.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:   time.RFC3339Nano,
		DisableHTMLEscape: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:   "event",
			logrus.FieldKeyLevel: "level",
		},
	})
	return &ActionLog{path: path, file: f, writer: w}, nil
}

// Path returns the log file location.
func (l *ActionLog) Path() string {
	return l.path
}

// Append writes rec as one line.
func (l *ActionLog) Append(rec Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("action log is closed")
	}

	fields := logrus.Fields{
		"bytes":     rec.Bytes,
		"threshold": rec.Threshold,
		"governor":  rec.Governor,
		"result":    rec.Result,
	}
	if len(rec.CPUs) > 0 {
		fields["cpus"] = rec.CPUs
	}
	if len(rec.IRQs) > 0 {
		fields["irqs"] = rec.IRQs
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	l.writer.WithTime(rec.Time).WithFields(fields).Info("optimization")
	return nil
}

// Last returns the most recent record.
func (l *ActionLog) Last() (Action, bool, error) {
	recs, err := ReadActions(l.path)
	if err != nil || len(recs) == 0 {
		return Action{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

// Close closes the underlying file.
func (l *ActionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadActions parses every record in the log at path. Lines that do not
// parse are skipped. A missing file yields no records.
func ReadActions(path string) ([]Action, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	var out []Action
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Action
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Result == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
