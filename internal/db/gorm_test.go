package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"realtime-collab/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestNewGormSQLite(t *testing.T) {
	cfg := &config.Config{
		DBDriver:   "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "nested", "realtime.db"),
	}

	gdb, err := NewGorm(cfg, zap.NewNop())
	require.NoError(t, err)
	defer gdb.Close()

	assert.True(t, gdb.Migrator().HasTable("text_changes"))
	assert.True(t, gdb.Migrator().HasTable("document_snapshots"))
}

func TestNewGormUnsupportedDriver(t *testing.T) {
	_, err := NewGorm(&config.Config{DBDriver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
}

type recordingWriter struct {
	lines []string
}

func (w *recordingWriter) Printf(format string, args ...interface{}) {
	w.lines = append(w.lines, fmt.Sprintf(format, args...))
}

func TestGormLoggerIgnoresRecordNotFound(t *testing.T) {
	w := &recordingWriter{}
	l := newGormLogger(w)
	query := func() (string, int64) { return "SELECT * FROM text_changes", 0 }

	l.Trace(context.Background(), time.Now(), query, gorm.ErrRecordNotFound)
	assert.Empty(t, w.lines)

	l.Trace(context.Background(), time.Now(), query, errors.New("disk I/O error"))
	require.Len(t, w.lines, 1)
	assert.Contains(t, w.lines[0], "disk I/O error")
}
