// Package results appends generation results to a CSV log.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Header is written once, when the log file is first created.
var Header = []string{"Model Path", "Model Base", "Image File URL", "Prompt", "Response"}

type Record struct {
	ModelPath string
	ModelBase string
	ImageRef  string
	Prompt    string
	Response  string
}

func (r Record) row() []string {
	return []string{r.ModelPath, r.ModelBase, r.ImageRef, r.Prompt, r.Response}
}

// Log is an append-only CSV file. The file is opened and closed for every record, so
// records already written survive a crash later in the run.
type Log struct {
	Path string
}

func NewLog(path string) *Log {
	return &Log{Path: path}
}

func (l *Log) Append(record Record) (err error) {
	exists := true
	if _, statErr := os.Stat(l.Path); statErr != nil {
		if !errors.Is(statErr, fs.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", l.Path, statErr)
		}
		exists = false
	}

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", l.Path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	w := csv.NewWriter(f)
	// RFC 4180 line endings, as in logs written by the earlier batch tool.
	w.UseCRLF = true
	if !exists {
		if err := w.Write(Header); err != nil {
			return err
		}
	}
	if err := w.Write(record.row()); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
