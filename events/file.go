package events

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileSink appends events to a logfmt file, one record per line.
type FileSink struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

var _ Sink = (*FileSink)(nil)

func NewFileSink(fs afero.Fs, path string) *FileSink {
	return &FileSink{fs: fs, path: path}
}

func (s *FileSink) Write(ctx context.Context, e Event) error {
	buf := new(bytes.Buffer)
	enc := logfmt.NewEncoder(buf)
	err := enc.EncodeKeyvals(
		"time", e.Time.Format(time.RFC3339Nano),
		"id", e.ID.String(),
		"deposit", e.DepositID,
		"type", string(e.Type),
		"result", string(e.Result),
		"message", e.Message,
	)
	if err != nil {
		return errors.Wrap(err, "cannot encode event")
	}
	if err := enc.EndRecord(); err != nil {
		return errors.Wrap(err, "cannot encode event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", s.path)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return errors.Wrapf(err, "cannot write %s", s.path)
	}
	return f.Close()
}

// ReadFile decodes the events stored by a FileSink.
func ReadFile(fs afero.Fs, path string) ([]Event, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	dec := logfmt.NewDecoder(f)
	for dec.ScanRecord() {
		e := Event{}
		for dec.ScanKeyval() {
			value := string(dec.Value())
			switch string(dec.Key()) {
			case "time":
				if e.Time, err = time.Parse(time.RFC3339Nano, value); err != nil {
					return nil, errors.Wrap(err, "invalid event time")
				}
			case "id":
				if e.ID, err = uuid.Parse(value); err != nil {
					return nil, errors.Wrap(err, "invalid event id")
				}
			case "deposit":
				e.DepositID = value
			case "type":
				e.Type = Type(value)
			case "result":
				e.Result = Result(value)
			case "message":
				e.Message = value
			}
		}
		events = append(events, e)
	}
	if err := dec.Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", path)
	}
	return events, nil
}
