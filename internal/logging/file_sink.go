package logging

import (
	"fmt"
	"os"
	"sync"
)

// fileSink writes to a single capped file. When a write would push
// the file past its cap, the file is truncated and writing restarts
// from zero, so the most recent sessions always survive.
type fileSink struct {
	path string
	cap  int64

	mu   sync.Mutex
	f    *os.File
	used int64
}

func openFileSink(path string, maxMB int) (*fileSink, error) {
	if maxMB < 1 {
		return nil, fmt.Errorf("log file cap %dMB, must be at least 1", maxMB)
	}
	s := &fileSink{path: path, cap: int64(maxMB) << 20}
	if err := s.reopen(false); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.reopen(false); err != nil {
			return 0, err
		}
	}
	if s.used+int64(len(p)) > s.cap {
		if err := s.reopen(true); err != nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	s.used += int64(n)
	return n, err
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// reopen opens the sink file, truncating first when the cap was hit.
func (s *fileSink) reopen(truncate bool) error {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return err
	}
	var used int64
	if !truncate {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return err
		}
		used = info.Size()
	}
	s.f = f
	s.used = used
	return nil
}
