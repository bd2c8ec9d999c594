package utils

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"geo_torii/internal/dataType"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogHost = "_default"

type LogxManager struct {
	basePath string
	hosts    map[string]bool
	loggers  map[string]*zap.Logger
	writers  []*lumberjack.Logger
	mu       sync.RWMutex
}

var defaultManager *LogxManager

// InitLogx sets the manager behind the package level Log* helpers.
func InitLogx(base string, hosts ...string) *LogxManager {
	defaultManager = NewManager(base, hosts...)
	return defaultManager
}

// NewManager writes logs under base. Only the listed hosts get their own
// directory; every other Host header is logged under _default.
func NewManager(base string, hosts ...string) *LogxManager {
	m := &LogxManager{basePath: base, hosts: make(map[string]bool), loggers: make(map[string]*zap.Logger)}
	for _, h := range hosts {
		if h = normalizeHost(h); validLogDir(h) {
			m.hosts[h] = true
		}
	}

	if err := os.MkdirAll(m.basePath, 0744); err != nil {
		log.Printf("failed to create base log dir %s: %v", m.basePath, err)
	}
	return m
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSpace(host))
}

func validLogDir(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// logHost maps a client supplied Host header onto one of the configured hosts.
func (m *LogxManager) logHost(host string) string {
	host = normalizeHost(host)
	if validLogDir(host) && m.hosts[host] {
		return host
	}
	return defaultLogHost
}

func (m *LogxManager) getLogger(host string) *zap.Logger {
	host = m.logHost(host)
	m.mu.RLock()
	if lg, ok := m.loggers[host]; ok {
		m.mu.RUnlock()
		return lg
	}
	m.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.loggers[host]; ok {
		return lg
	}
	dir := filepath.Join(m.basePath, host)
	if err := os.MkdirAll(dir, 0744); err != nil {
		log.Printf("failed to create log dir %s: %v", dir, err)
	}

	encCfg := zapcore.EncoderConfig{MessageKey: "msg", LineEnding: zapcore.DefaultLineEnding}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	infoOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "info.log")))
	errorOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "error.log")))
	dbgOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "debug.log")))

	infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.InfoLevel })
	errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.DebugLevel })

	tee := zapcore.NewTee(
		zapcore.NewCore(encoder, infoOut, infoLv),
		zapcore.NewCore(encoder, errorOut, errLv),
		zapcore.NewCore(encoder, dbgOut, dbgLv),
	)
	lg := zap.New(tee)
	m.loggers[host] = lg
	return lg
}

func (m *LogxManager) openLogFile(path string) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	}
	m.writers = append(m.writers, w)
	return w
}

// Close syncs every logger and closes the rotated files.
func (m *LogxManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lg := range m.loggers {
		_ = lg.Sync()
	}
	var firstErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// KeyFingerprint identifies an API key in logs without writing the key itself.
func KeyFingerprint(apiKey string) string {
	if apiKey == "" {
		return "-"
	}
	return strconv.FormatUint(xxhash.Sum64String(apiKey), 16)
}

func formatLine(reqData dataType.UserRequest, msg, msg2 string) string {
	key := "-"
	if reqData.APIKeyPresent {
		key = KeyFingerprint(reqData.APIKey)
	}
	return fmt.Sprintf("%s - - [%s] %s %s %s key=%s rid=%s %s %s",
		reqData.RemoteIP,
		time.Now().Format("02/Jan/2006:15:04:05 -0700"),
		msg,
		reqData.Host,
		reqData.Uri,
		key,
		reqData.RequestID,
		GetClientSummary(reqData.UserAgent),
		msg2,
	)
}

func (m *LogxManager) LogInfo(reqData dataType.UserRequest, msg, msg2 string) {
	m.getLogger(reqData.Host).Info(formatLine(reqData, msg, msg2))
}

func (m *LogxManager) LogError(reqData dataType.UserRequest, msg, msg2 string) {
	m.getLogger(reqData.Host).Error(formatLine(reqData, msg, msg2))
}

func (m *LogxManager) LogDebug(reqData dataType.UserRequest, msg, msg2 string) {
	m.getLogger(reqData.Host).Debug(formatLine(reqData, msg, msg2))
}

func LogInfo(reqData dataType.UserRequest, msg, msg2 string) {
	if defaultManager == nil {
		log.Print(formatLine(reqData, msg, msg2))
		return
	}
	defaultManager.LogInfo(reqData, msg, msg2)
}

func LogError(reqData dataType.UserRequest, msg, msg2 string) {
	if defaultManager == nil {
		log.Print("[ERROR] " + formatLine(reqData, msg, msg2))
		return
	}
	defaultManager.LogError(reqData, msg, msg2)
}

func LogDebug(reqData dataType.UserRequest, msg, msg2 string) {
	if defaultManager == nil {
		return
	}
	defaultManager.LogDebug(reqData, msg, msg2)
}
