package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileSink 以 <root>/<year>/<month>/<day>/<roomID>.txt 寫入逐字稿
type FileSink struct {
	root string
	loc  *time.Location
}

// NewFileSink 創建檔案 Sink，loc 決定日期分區與訊息時間的時區
func NewFileSink(root string, loc *time.Location) *FileSink {
	if loc == nil {
		loc = time.Local
	}
	return &FileSink{root: root, loc: loc}
}

// Name 實現 Sink
func (s *FileSink) Name() string { return "file" }

// Path 逐字稿檔案路徑（依房間建立日期分區）
func (s *FileSink) Path(t *Transcript) string {
	created := t.Created.In(s.loc)
	return filepath.Join(s.root,
		created.Format("2006"),
		created.Format("01"),
		created.Format("02"),
		t.RoomID+".txt")
}

// Write 先寫暫存檔再改名，讀取端不會看到寫一半的檔案
func (s *FileSink) Write(ctx context.Context, t *Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.Path(t)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, t.RoomID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(Format(t, s.loc)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close transcript: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}
