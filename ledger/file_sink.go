package ledger

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	sinkFilePerm   = 0600
	defaultBufSize = 64 * 1024
)

// FileSink is a file-backed ledger sink: a single append-only file of
// length-prefixed frames. Truncation cuts the file at the first
// discarded frame.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	count  uint64
	sync   bool
	closed bool
}

// NewFileSink opens (or creates) a file-backed sink at path. When
// syncEvery is true every append is fsynced before returning.
func NewFileSink(path string, syncEvery bool) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, sinkFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}

	count, err := countFrames(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to scan ledger file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}

	return &FileSink{
		path:  path,
		file:  file,
		buf:   bufio.NewWriterSize(file, defaultBufSize),
		count: count,
		sync:  syncEvery,
	}, nil
}

// countFrames scans the file and returns the number of complete frames
func countFrames(file *os.File) (uint64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(file)
	var count uint64
	var hdr [FrameSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return count, nil
			}
			// Trailing partial frame: stop at the last complete one.
			if err == io.ErrUnexpectedEOF {
				return count, nil
			}
			return 0, err
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return count, nil
			}
			return 0, err
		}
		count++
	}
}

// Append writes one entry as a length-prefixed frame
func (s *FileSink) Append(entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	frame, err := EncodeAppendFrame(entry)
	if err != nil {
		return err
	}
	if _, err := s.buf.Write(frame); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if s.sync {
		if err := s.file.Sync(); err != nil {
			return err
		}
	}
	s.count++
	return nil
}

// Truncate discards entries at and above index by scanning frame
// headers for the byte offset of frame index and truncating the file
// there
func (s *FileSink) Truncate(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if index >= s.count {
		return nil
	}

	if err := s.buf.Flush(); err != nil {
		return err
	}

	// Find the byte offset of frame `index`.
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var offset int64
	var hdr [FrameSize]byte
	for i := uint64(0); i < index; i++ {
		if _, err := s.file.ReadAt(hdr[:], offset); err != nil {
			return fmt.Errorf("failed to scan ledger for truncate: %w", err)
		}
		offset += FrameSize + int64(binary.LittleEndian.Uint32(hdr[:]))
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.buf.Reset(s.file)
	s.count = index
	return nil
}

// Count returns the number of entries in the ledger
func (s *FileSink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Entries reads back all entries; used by hosts and tests
func (s *FileSink) Entries() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var entries [][]byte
	for len(data) > 0 {
		entry, rest, err := DecodeAppendFrame(data)
		if err != nil {
			if err == ErrFrameTooShort {
				break
			}
			return nil, err
		}
		entries = append(entries, entry)
		data = rest
	}
	return entries, nil
}

// Close flushes and closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

var _ Sink = (*FileSink)(nil)
