package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the file channel.
type FileConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// FileChannel appends notifications as JSON lines to a rotating log file.
type FileChannel struct {
	name string
	mu   sync.Mutex
	w    *lumberjack.Logger
}

// fileRecord is one line of the alert log.
type fileRecord struct {
	Timestamp string                 `json:"timestamp"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewFileChannel creates a file channel. The file and its directory are
// created on first write.
func NewFileChannel(cfg FileConfig) *FileChannel {
	return &FileChannel{
		name: "file",
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		},
	}
}

// Name returns the name of the channel.
func (f *FileChannel) Name() string {
	return f.name
}

// Path returns the log file path.
func (f *FileChannel) Path() string {
	return f.w.Filename
}

// Send appends the notification.
func (f *FileChannel) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(fileRecord{
		Timestamp: n.Timestamp.Format(time.RFC3339Nano),
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
	})
	if err != nil {
		return fmt.Errorf("marshaling file record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", f.w.Filename, err)
	}
	return nil
}

// Close closes the underlying file.
func (f *FileChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}
