package localdisc

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnishMulay/sandlock/internal/log_service"
)

type LocalDiscLogService struct {
	nodeID        string
	mu            sync.Mutex
	out           io.WriteCloser
	logger        *log.Logger
	minLevel      int
	filterEnabled bool
}

// NewLocalDiscLogService appends to <logDir>/<nodeID>.log.
func NewLocalDiscLogService(logDir string, nodeID string, minLogLevel ...string) (*LocalDiscLogService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(logDir, fmt.Sprintf("%s.log", nodeID))
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	service := newLogService(file, nodeID)
	if len(minLogLevel) > 0 && minLogLevel[0] != "" {
		service.SetMinLogLevel(minLogLevel[0])
	}
	return service, nil
}

func newLogService(out io.WriteCloser, nodeID string) *LocalDiscLogService {
	return &LocalDiscLogService{
		nodeID:        nodeID,
		out:           out,
		logger:        log.New(out, "", 0),
		filterEnabled: true,
		minLevel:      log_service.DebugLevelValue,
	}
}

func (ls *LocalDiscLogService) SetMinLogLevel(level string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.minLevel = log_service.GetLevelValue(level)
	ls.filterEnabled = true
}

func (ls *LocalDiscLogService) DisableFiltering() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.filterEnabled = false
}

func (ls *LocalDiscLogService) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.out.Close()
}

func (ls *LocalDiscLogService) shouldLog(level string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.filterEnabled {
		return true
	}
	return log_service.GetLevelValue(level) >= ls.minLevel
}

func formatLog(level string, event log_service.LogEvent) string {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var meta strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&meta, "%s=%v ", k, event.Metadata[k])
	}

	return fmt.Sprintf("%s [%s] %s: %s %s", ts.Format(time.RFC3339), event.NodeID, level, event.Message, strings.TrimSpace(meta.String()))
}

func (ls *LocalDiscLogService) log(level string, event log_service.LogEvent) {
	if !ls.shouldLog(level) {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	event.NodeID = ls.nodeID
	ls.logger.Println(formatLog(level, event))
}

func (ls *LocalDiscLogService) Debug(event log_service.LogEvent) {
	ls.log(log_service.DebugLevel, event)
}

func (ls *LocalDiscLogService) Info(event log_service.LogEvent) {
	ls.log(log_service.InfoLevel, event)
}

func (ls *LocalDiscLogService) Warn(event log_service.LogEvent) {
	ls.log(log_service.WarnLevel, event)
}

func (ls *LocalDiscLogService) Error(event log_service.LogEvent) {
	ls.log(log_service.ErrorLevel, event)
}

var _ log_service.LogService = (*LocalDiscLogService)(nil)
