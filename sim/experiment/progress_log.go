package experiment

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/sirupsen/logrus"
)

const progressLogIDColumn = "scenario"

// progressLog is the append-only, tab-separated record of successfully
// completed scenarios. The first row is "scenario" followed by the
// experiment's dimension headers; every later row is a scenario id followed
// by that scenario's metadata.
type progressLog struct {
	file *os.File
	w    *csv.Writer
}

func progressLogHeader(headers []string) []string {
	return append([]string{progressLogIDColumn}, headers...)
}

// readProgressLog parses a progress log written for an experiment with the
// given dimension headers. A last row without its newline was cut short by a
// crash and is ignored, as are rows that cannot be parsed: those scenarios
// simply run again.
func readProgressLog(path string, headers []string) (map[int][]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingProgressLog, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress log: %w", err)
	}
	done := make(map[int][]string)
	if len(data) == 0 {
		return done, nil
	}
	if data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n')
		logrus.Warnf("progress log %s: ignoring incomplete last row %q", path, data[cut+1:])
		data = data[:cut+1]
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	want := progressLogHeader(headers)
	header, err := r.Read()
	if err == io.EOF {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress log header: %w", err)
	}
	if !slices.Equal(header, want) {
		return nil, fmt.Errorf("%w: header %q, want %q", ErrIncompatibleProgressLog, header, want)
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.Warnf("progress log %s: skipping unreadable row: %v", path, err)
			continue
		}
		if len(row) != len(want) {
			logrus.Warnf("progress log %s: skipping row with %d fields, want %d", path, len(row), len(want))
			continue
		}
		id, err := strconv.Atoi(row[0])
		if err != nil || id < 0 {
			logrus.Warnf("progress log %s: skipping row with scenario id %q", path, row[0])
			continue
		}
		done[id] = row[1:]
	}
	return done, nil
}

// openProgressLog opens the log for appending. When resuming, existing rows
// are kept; otherwise the file is truncated and a fresh header written.
func openProgressLog(path string, headers []string, resume bool) (*progressLog, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening progress log: %w", err)
	}
	if resume {
		if err := dropIncompleteRow(path, f); err != nil {
			f.Close()
			return nil, err
		}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening progress log: %w", err)
	}

	l := &progressLog{file: f, w: csv.NewWriter(f)}
	l.w.Comma = '\t'
	if info.Size() == 0 {
		if err := l.writeRow(progressLogHeader(headers)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// dropIncompleteRow truncates a last row that lacks its newline.
func dropIncompleteRow(path string, f *os.File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading progress log: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	if err := f.Truncate(int64(bytes.LastIndexByte(data, '\n') + 1)); err != nil {
		return fmt.Errorf("truncating progress log: %w", err)
	}
	return nil
}

func (l *progressLog) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("writing progress log: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("writing progress log: %w", err)
	}
	return nil
}

// append records a successfully completed scenario. The row is flushed
// before returning.
func (l *progressLog) append(id int, metadata []string) error {
	return l.writeRow(append([]string{strconv.Itoa(id)}, metadata...))
}

func (l *progressLog) Close() error {
	if l == nil {
		return nil
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
