// Package msglog implements the length-prefixed, zstd-compressed,
// append-only message log: a reader and an asynchronous writer sharing
// the on-disk framing described in the external interfaces design.
package msglog

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/DataDog/zstd"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/boscosiu/Whisker/internal/taskqueue"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMagic is the 8-byte little-endian header spelling "wsklog01"
// that every Whisker message log begins with.
const DefaultMagic uint64 = 0x3130676f6c6b7377

var errBadMagic = errors.New("message log: header magic mismatch")

// Writer asynchronously serializes and appends messages to a
// zstd-compressed log file. All I/O happens on an internal task queue
// so that callers never block on compression or disk.
type Writer struct {
	file    afero.File
	zWriter *zstd.Writer
	writer  *bufio.Writer
	queue   *taskqueue.Queue

	mu     sync.Mutex
	closed bool
}

// CreateWriter opens name for writing on fs (truncating any existing
// file), writes the magic header synchronously, and returns a Writer
// ready to accept messages.
func CreateWriter(fs afero.Fs, name string) (*Writer, error) {
	file, err := fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening message log %q for write", name)
	}

	zWriter := zstd.NewWriter(file)
	writer := bufio.NewWriter(zWriter)

	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], DefaultMagic)
	if _, err := writer.Write(header[:]); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "writing message log header")
	}

	return &Writer{
		file:    file,
		zWriter: zWriter,
		writer:  writer,
		queue:   taskqueue.New(256),
	}, nil
}

// Write enqueues message for serialization and append. The call
// returns immediately; NumPending reports how much work is still
// outstanding.
func (w *Writer) Write(message interface{}) {
	w.queue.AddTask(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return
		}
		if err := w.writeFrame(message); err != nil {
			// The writer has no synchronous caller to report to; a
			// corrupted tail is the worst case and is caught on read.
			return
		}
	})
}

func (w *Writer) writeFrame(message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "marshaling message log payload")
	}
	if uint64(len(payload)) > 0xffffffff {
		return errors.New("message log payload exceeds uint32 size")
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := w.writer.Write(size[:]); err != nil {
		return err
	}
	_, err = w.writer.Write(payload)
	return err
}

// NumPending returns the number of writes queued or in flight,
// enabling producers to apply back-pressure.
func (w *Writer) NumPending() int {
	return w.queue.NumPending()
}

// Close drains the write queue, flushes, and closes the underlying
// file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.queue.FinishSync()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "flushing message log writer")
	}
	if err := w.zWriter.Close(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "closing message log compressor")
	}
	return w.file.Close()
}

// Reader reads messages back out of a message log file written by
// Writer. Reads are mutually exclusive.
type Reader struct {
	file   afero.File
	size   int64
	zr     io.ReadCloser
	reader *bufio.Reader

	mu   sync.Mutex
	read int64
}

// OpenReader opens name for reading on fs, validates the magic header,
// and returns a Reader positioned at the first frame.
func OpenReader(fs afero.Fs, name string) (*Reader, error) {
	file, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening message log %q for read", name)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "statting message log")
	}

	zr := zstd.NewReader(file)
	reader := bufio.NewReader(zr)

	var header [8]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		zr.Close()
		file.Close()
		return nil, errors.Wrap(err, "reading message log header")
	}
	if binary.LittleEndian.Uint64(header[:]) != DefaultMagic {
		zr.Close()
		file.Close()
		return nil, errBadMagic
	}

	return &Reader{file: file, size: info.Size(), zr: zr, reader: reader, read: 8}, nil
}

// Read decodes the next message into out via jsoniter and returns
// true, or returns false on end-of-stream or a truncated/corrupted
// frame (never an error: callers treat both as "no more messages").
func (r *Reader) Read(out interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r.reader, sizeBuf[:]); err != nil {
		return false
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return false
	}
	r.read += 4 + int64(size)

	if err := json.Unmarshal(payload, out); err != nil {
		return false
	}
	return true
}

// ReadPercent returns the uncompressed bytes consumed so far divided by
// the (compressed) file size, capped at 1.
func (r *Reader) ReadPercent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 1
	}
	pct := float64(r.read) / float64(r.size)
	if pct > 1 {
		return 1
	}
	return pct
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.file.Close()
}
