package storage

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/saviobatista/flight-tracker/internal/types"
)

const dayLayout = "2006-01-02"

type dayFile struct {
	day  string
	path string
	file *os.File
}

// Archive writes raw packets to one file per protocol and UTC day,
// compressing each day once it is over
type Archive struct {
	dir   string
	files map[types.Protocol]*dayFile
	now   func() time.Time

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates a new Archive rooted at dir
func New(dir string) *Archive {
	return &Archive{
		dir:      dir,
		files:    make(map[types.Protocol]*dayFile),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Path returns the archive file of a protocol for the day of t
func (a *Archive) Path(protocol types.Protocol, t time.Time) string {
	return filepath.Join(a.dir, string(protocol), t.UTC().Format(dayLayout)+".log")
}

// Start compresses days left over from a previous run and starts the
// midnight rotation timer
func (a *Archive) Start() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	a.mu.Lock()
	err := a.compressStale(a.now().UTC().Format(dayLayout))
	a.started = true
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go a.rotationTimer()
	return nil
}

// Stop closes the open files and stops the rotation timer
func (a *Archive) Stop() error {
	a.mu.Lock()
	if a.started {
		close(a.stopChan)
		a.started = false
	}
	a.mu.Unlock()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for protocol, df := range a.files {
		if err := df.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.files, protocol)
	}
	return firstErr
}

// WriteFix archives the raw packet of a fix
func (a *Archive) WriteFix(fix *types.Fix) error {
	return a.Write(fix.Protocol, fix.ReceivedAt, fix.RawPacket)
}

// Write appends one raw packet received at the given time. Packets from a
// day that was already rotated go to the current file.
func (a *Archive) Write(protocol types.Protocol, receivedAt time.Time, raw string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := receivedAt.UTC().Format(dayLayout)
	df := a.files[protocol]
	if df == nil || day > df.day {
		var err error
		if df, err = a.open(protocol, receivedAt); err != nil {
			return err
		}
	}

	line := raw
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(df.file, line); err != nil {
		return fmt.Errorf("failed to write %s archive: %w", protocol, err)
	}
	return nil
}

// open switches a protocol to the file of the day of t, compressing the
// file it replaces
func (a *Archive) open(protocol types.Protocol, t time.Time) (*dayFile, error) {
	if old := a.files[protocol]; old != nil {
		delete(a.files, protocol)
		if err := old.file.Close(); err != nil {
			log.Printf("Warning: failed to close %s: %v", old.path, err)
		}
		if err := CompressFile(old.path); err != nil {
			log.Printf("Error compressing %s: %v", old.path, err)
		}
	}

	path := a.Path(protocol, t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	df := &dayFile{day: t.UTC().Format(dayLayout), path: path, file: file}
	a.files[protocol] = df
	return df, nil
}

// rotationTimer handles daily rotation at midnight UTC
func (a *Archive) rotationTimer() {
	defer a.wg.Done()

	for {
		now := a.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			if err := a.Rotate(); err != nil {
				log.Printf("Error during rotation: %v", err)
			}
		case <-a.stopChan:
			return
		}
	}
}

// Rotate closes and compresses every file of a day before today
func (a *Archive) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	today := a.now().UTC().Format(dayLayout)
	for protocol, df := range a.files {
		if df.day >= today {
			continue
		}
		delete(a.files, protocol)
		if err := df.file.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", df.path, err)
		}
		if err := CompressFile(df.path); err != nil {
			return fmt.Errorf("failed to compress file: %w", err)
		}
	}
	return nil
}

// compressStale compresses uncompressed files of days before today
func (a *Archive) compressStale(today string) error {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*", "*.log"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		day := strings.TrimSuffix(filepath.Base(path), ".log")
		if day >= today {
			continue
		}
		if err := CompressFile(path); err != nil {
			return fmt.Errorf("failed to compress file: %w", err)
		}
	}
	return nil
}

// CompressFile gzips path into path.gz and removes the original
func CompressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	gzipWriter.Name = filepath.Base(path)
	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
