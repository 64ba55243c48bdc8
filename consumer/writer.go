package consumer

import (
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/abihf/framecap/frame"
)

// fileTimeLayout is yyyyMMdd-hhmmssSSS.
const fileTimeLayout = "20060102-150405.000"

// Marker is an optional point of interest stored with every written frame.
type Marker struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WriterSettings can be changed while frames are being written.
type WriterSettings struct {
	Dir        string  `json:"dir"`
	Prefix     string  `json:"prefix"`
	Instrument string  `json:"instrument"`
	Telescope  string  `json:"telescope"`
	Marker     *Marker `json:"marker,omitempty"`
}

// Sidecar is the metadata file written next to every image.
type Sidecar struct {
	frame.Info
	File       string    `json:"file"`
	Written    time.Time `json:"written"`
	Instrument string    `json:"instrument,omitempty"`
	Telescope  string    `json:"telescope,omitempty"`
	Marker     *Marker   `json:"marker,omitempty"`
	Levels     Levels    `json:"levels"`
}

// Writer is a stage that archives the next count good frames, taking one in
// every stepping. It is idle until WriteNext arms it.
type Writer struct {
	log       *zap.SugaredLogger
	onWritten func(n, total int, fileID string)
	now       func() time.Time

	mu       sync.Mutex
	settings WriterSettings
	count    int
	stepping int
	i        int
}

// NewWriter creates an idle writer. onWritten may be nil.
func NewWriter(settings WriterSettings, logger *zap.SugaredLogger, onWritten func(n, total int, fileID string)) *Writer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if settings.Prefix == "" {
		settings.Prefix = "frame"
	}
	return &Writer{
		log:       logger,
		onWritten: onWritten,
		now:       func() time.Time { return time.Now().UTC() },
		settings:  settings,
		stepping:  1,
	}
}

func (w *Writer) Name() string { return "writer" }

// WriteNext arms the writer for count frames, one in every stepping good
// frames. A count of zero disarms it.
func (w *Writer) WriteNext(count, stepping int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if count < 0 {
		count = 0
	}
	if stepping < 1 {
		stepping = 1
	}
	w.count, w.stepping, w.i = count, stepping, 0
}

// Remaining is the number of frames still to be written.
func (w *Writer) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.i >= w.count*w.stepping {
		return 0
	}
	return w.count - (w.i+w.stepping-1)/w.stepping
}

// Settings returns the current settings.
func (w *Writer) Settings() WriterSettings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// SetSettings replaces the settings for the frames written from now on.
func (w *Writer) SetSettings(s WriterSettings) {
	if s.Prefix == "" {
		s.Prefix = "frame"
	}
	w.mu.Lock()
	w.settings = s
	w.mu.Unlock()
}

func (w *Writer) Accept(b *frame.Buffer, info frame.Info, release Release) {
	defer release(b)
	if info.Status != frame.StatusOK {
		return
	}

	w.mu.Lock()
	if w.i >= w.count*w.stepping {
		w.mu.Unlock()
		return
	}
	write := w.i%w.stepping == 0
	n, total := w.i/w.stepping+1, w.count
	settings := w.settings
	w.i++
	w.mu.Unlock()

	if !write {
		return
	}
	fileID, err := w.write(b, info, settings)
	if err != nil {
		w.log.Errorw("can not write frame", "sequence", info.Sequence, "error", err)
		return
	}
	w.log.Debugw("frame written", "file", fileID, "n", n, "total", total)
	if w.onWritten != nil {
		w.onWritten(n, total, fileID)
	}
}

// write stores the frame as PNG plus a JSON sidecar. Both go to a temporary
// name first and are renamed once complete.
func (w *Writer) write(b *frame.Buffer, info frame.Info, s WriterSettings) (string, error) {
	now := w.now()
	fileID := fmt.Sprintf("%s_%s", s.Prefix, now.Format(fileTimeLayout))
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "Can not create archive directory")
	}

	imgName := filepath.Join(dir, fileID+".png")
	if err := writeAtomic(imgName, func(f *os.File) error {
		return png.Encode(f, Image(b))
	}); err != nil {
		return "", err
	}

	sidecar := Sidecar{
		Info:       info,
		File:       filepath.Base(imgName),
		Written:    now,
		Instrument: s.Instrument,
		Telescope:  s.Telescope,
		Marker:     s.Marker,
		Levels:     Measure(b),
	}
	if err := writeAtomic(filepath.Join(dir, fileID+".json"), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(&sidecar)
	}); err != nil {
		return "", err
	}
	return fileID, nil
}

func writeAtomic(name string, fill func(f *os.File) error) error {
	tmp := name + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "Can not create %s", tmp)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "Can not write %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "Can not close %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, name), "Can not rename temporary file")
}
