package device

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/abihf/framecap/frame"
)

// pollStep is how long the V4L2 wait sleeps between non-blocking polls of the
// driver. webcam.WaitForFrame only takes whole seconds.
const pollStep = 2 * time.Millisecond

func fourcc(s string) webcam.PixelFormat {
	b := []byte(s + "    ")
	return webcam.PixelFormat(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// Formats maps the supported pixel format names to the bit depth of the
// frames they produce. YUYV frames keep only their luma bytes.
var Formats = map[string]int{
	"GREY": 8,
	"Y10":  10,
	"Y12":  12,
	"Y16":  16,
	"YUYV": 8,
}

// V4L2Opener opens video4linux devices by path.
type V4L2Opener struct {
	Format  string
	Buffers int
}

func (o V4L2Opener) Open(ctx context.Context, path string) (Device, error) {
	return OpenV4L2(path, o.Format, o.Buffers)
}

// V4L2 is a video4linux capture device. The driver keeps its own mmap ring;
// every finished driver frame is copied into the oldest submitted buffer and
// handed straight back to the driver.
type V4L2 struct {
	cam     *webcam.Webcam
	path    string
	format  webcam.PixelFormat
	bits    int
	buffers int
	yuyv    bool

	mu        sync.Mutex
	dims      Dimensions
	pending   []*frame.Buffer
	streaming bool
	started   time.Time
}

// OpenV4L2 opens the device at path using the named pixel format.
func OpenV4L2(path, format string, buffers int) (*V4L2, error) {
	if format == "" {
		format = "GREY"
	}
	bits, ok := Formats[format]
	if !ok {
		return nil, errors.Errorf("unsupported pixel format %q", format)
	}
	if buffers <= 0 {
		buffers = 4
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device")
	}

	pf := fourcc(format)
	if _, ok := cam.GetSupportedFormats()[pf]; !ok {
		cam.Close()
		return nil, errors.Errorf("%s does not support %s", path, format)
	}

	return &V4L2{
		cam:     cam,
		path:    path,
		format:  pf,
		bits:    bits,
		buffers: buffers,
		yuyv:    format == "YUYV",
	}, nil
}

// MaxFrameDimensions selects the largest frame size the driver offers for the
// pixel format and configures the device for it.
func (v *V4L2) MaxFrameDimensions() (Dimensions, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dims.Width > 0 {
		return v.dims, nil
	}

	sizes := v.cam.GetSupportedFrameSizes(v.format)
	if len(sizes) == 0 {
		return Dimensions{}, errors.Errorf("%s reports no frame sizes", v.path)
	}
	sort.Slice(sizes, func(i, j int) bool {
		return sizes[i].MaxWidth*sizes[i].MaxHeight > sizes[j].MaxWidth*sizes[j].MaxHeight
	})

	_, w, h, err := v.cam.SetImageFormat(v.format, sizes[0].MaxWidth, sizes[0].MaxHeight)
	if err != nil {
		return Dimensions{}, errors.Wrap(err, "Can not set image format")
	}
	v.dims = Dimensions{Width: int(w), Height: int(h), BitsPerPixel: v.bits}
	return v.dims, nil
}

func (v *V4L2) Submit(b *frame.Buffer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return errors.New("device closed")
	}
	v.pending = append(v.pending, b)
	return nil
}

func (v *V4L2) StartAcquisition() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.streaming {
		return nil
	}
	if err := v.cam.SetBufferCount(uint32(v.buffers)); err != nil {
		return errors.Wrap(err, "Can not set buffer count")
	}
	if err := v.cam.StartStreaming(); err != nil {
		return errors.Wrap(err, "Can not start streaming")
	}
	v.streaming = true
	v.started = time.Now()
	return nil
}

func (v *V4L2) StopAcquisition() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.streaming {
		return nil
	}
	v.streaming = false
	return errors.Wrap(v.cam.StopStreaming(), "Can not stop streaming")
}

// WaitCompletion polls the driver until a frame is ready or timeout passes.
func (v *V4L2) WaitCompletion(timeout time.Duration) (*frame.Buffer, error) {
	deadline := time.Now().Add(timeout)
	for {
		err := v.cam.WaitForFrame(0)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			if time.Now().After(deadline) {
				return nil, &Timeout{After: timeout}
			}
			time.Sleep(pollStep)
			continue
		default:
			return nil, errors.Wrap(err, "Frame wait failed")
		}

		b, err := v.readInto()
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
		if time.Now().After(deadline) {
			return nil, &Timeout{After: timeout}
		}
	}
}

// readInto copies the ready driver frame into the oldest pending buffer. A
// frame that arrives with nothing pending is dropped. A driver slot that can
// not be given back is a device error.
func (v *V4L2) readInto() (b *frame.Buffer, err error) {
	data, index, err := v.cam.GetFrame()
	if err != nil {
		return nil, errors.Wrap(err, "Read frame failed")
	}
	defer func() {
		if rerr := v.cam.ReleaseFrame(index); rerr != nil {
			b, err = nil, multierr.Append(err, errors.Wrapf(rerr, "Release frame %d failed", index))
		}
	}()

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.pending) == 0 || len(data) == 0 {
		return nil, nil
	}
	b = v.pending[0]
	v.pending = v.pending[1:]

	b.Width, b.Height, b.BitsPerPixel = v.dims.Width, v.dims.Height, v.dims.BitsPerPixel
	b.DeviceTimestamp = time.Since(v.started)
	b.Status = fill(b, data, v.yuyv)
	return b, nil
}

// fill copies a driver frame into b and reports whether it fit. With yuyv set
// only the Y byte of every Y0 U Y1 V pixel pair is kept.
func fill(b *frame.Buffer, data []byte, yuyv bool) frame.Status {
	var n, size int
	if yuyv {
		size = len(data) / 2
		for n < size && n < len(b.Data) {
			b.Data[n] = data[2*n]
			n++
		}
	} else {
		size = len(data)
		n = copy(b.Data, data)
	}
	switch {
	case n < size:
		return frame.StatusDataLost
	case n < len(b.Bytes()):
		return frame.StatusDataMissing
	}
	return frame.StatusOK
}

func (v *V4L2) CancelAll() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, b := range v.pending {
		b.Status = frame.StatusCancelled
	}
	v.pending = nil
	return nil
}

func (v *V4L2) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return nil
	}
	err := v.cam.Close()
	v.cam = nil
	v.pending = nil
	return err
}

// List returns the video4linux device nodes present on the system.
func List() ([]string, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
