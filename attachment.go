package xmsg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
)

// Attachment provides binary side-payload data as a readable stream.
// Implementations must tolerate concurrent Open calls because a context,
// and therefore its attachment, may be shared by several recipients.
type Attachment interface {
	// Open returns a fresh reader over the data. Failures wrap ErrAttachmentIO.
	Open() (io.ReadCloser, error)
}

// BytesAttachment is an in-memory attachment.
type BytesAttachment []byte

// Open returns a reader over a private view of the bytes.
func (b BytesAttachment) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FileAttachment is an attachment whose data lives in a file.
type FileAttachment struct {
	path       string
	autoDelete bool
	once       sync.Once
	cleanup    runtime.Cleanup
}

// NewFileAttachment references the file at path. With autoDelete set, the
// file is removed once the attachment becomes unreachable, or earlier by
// Release.
func NewFileAttachment(path string, autoDelete bool) *FileAttachment {
	f := &FileAttachment{path: path, autoDelete: autoDelete}
	if autoDelete {
		f.cleanup = runtime.AddCleanup(f, func(p string) { _ = removeFile(p) }, path)
	}
	return f
}

// Path returns the backing file name.
func (f *FileAttachment) Path() string { return f.path }

// Open opens the backing file for reading.
func (f *FileAttachment) Open() (io.ReadCloser, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentIO, err)
	}
	return fh, nil
}

// Release deletes the backing file now when auto-delete was requested. It is
// idempotent.
func (f *FileAttachment) Release() error {
	var err error
	f.once.Do(func() {
		if !f.autoDelete {
			return
		}
		f.cleanup.Stop()
		err = removeFile(f.path)
	})
	return err
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrAttachmentIO, err)
	}
	return nil
}
