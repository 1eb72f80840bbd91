/*
 Copyright © 2020 The OpenEBS Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package util

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	// LoggingStateFile keeps the file logging settings across restarts.
	LoggingStateFile = "logging.json"
	// LogFile is the daemon log inside the state directory.
	LogFile = "iscsid.log"

	DefaultLogFileSize     = 100
	DefaultRetentionPeriod = 180
	DefaultMaxBackups      = 5
)

// FileLogging controls the rotated copy of the daemon log.
type FileLogging struct {
	Enable          bool `json:"enable"`
	MaxLogFileSize  int  `json:"maxlogfilesize"`
	RetentionPeriod int  `json:"retentionperiod"`
	MaxBackups      int  `json:"maxbackups"`
}

func (lf FileLogging) withDefaults() FileLogging {
	if lf.MaxLogFileSize == 0 {
		lf.MaxLogFileSize = DefaultLogFileSize
	}
	if lf.RetentionPeriod == 0 {
		lf.RetentionPeriod = DefaultRetentionPeriod
	}
	if lf.MaxBackups == 0 {
		lf.MaxBackups = DefaultMaxBackups
	}
	return lf
}

var (
	logMu   sync.Mutex
	logFile *lumberjack.Logger
)

// SetLogging switches file logging on or off and records the choice in
// dir for RestoreLogging.
func SetLogging(dir string, lf FileLogging) error {
	logMu.Lock()
	defer logMu.Unlock()
	if err := stopFileLogging(); err != nil {
		return err
	}
	if !lf.Enable {
		logrus.Infof("Logging to stderr only")
		return saveFileLogging(dir, lf)
	}
	lf = lf.withDefaults()
	if err := saveFileLogging(dir, lf); err != nil {
		return err
	}
	startFileLogging(dir, lf)
	return nil
}

// RestoreLogging applies the settings a previous SetLogging left in dir.
func RestoreLogging(dir string) error {
	lf, err := LoadFileLogging(dir)
	if os.IsNotExist(err) || (err == nil && !lf.Enable) {
		return nil
	}
	if err != nil {
		return err
	}
	logMu.Lock()
	defer logMu.Unlock()
	if err := stopFileLogging(); err != nil {
		return err
	}
	startFileLogging(dir, lf.withDefaults())
	return nil
}

func startFileLogging(dir string, lf FileLogging) {
	logFile = &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFile),
		MaxSize:    lf.MaxLogFileSize,
		MaxAge:     lf.RetentionPeriod,
		MaxBackups: lf.MaxBackups,
		LocalTime:  true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
	logrus.Infof("Logging to %v: max size %vMB, retention %v days, %v backups",
		logFile.Filename, lf.MaxLogFileSize, lf.RetentionPeriod, lf.MaxBackups)
}

func stopFileLogging() error {
	if logFile == nil {
		return nil
	}
	logrus.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

// LoadFileLogging reads the settings saved in dir.
func LoadFileLogging(dir string) (FileLogging, error) {
	var lf FileLogging
	f, err := os.Open(filepath.Join(dir, LoggingStateFile))
	if err != nil {
		return lf, err
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&lf)
	return lf, err
}

// saveFileLogging replaces the settings file atomically.
func saveFileLogging(dir string, lf FileLogging) error {
	path := filepath.Join(dir, LoggingStateFile)
	f, err := os.Create(path + ".tmp")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&lf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir syncs the directory so a renamed file survives a crash.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = f.Sync()
	closeErr := f.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// AccessLog writes an access log line for every request except GETs of
// the quiet paths, which pollers hit constantly.
func AccessLog(w io.Writer, quiet []string, h http.Handler) http.Handler {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	logged := handlers.LoggingHandler(w, h)
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet && skip[req.URL.Path] {
			h.ServeHTTP(rw, req)
			return
		}
		logged.ServeHTTP(rw, req)
	})
}
