package util

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTargetAddress(t *testing.T) {
	var tests = []struct {
		input  string
		output string
		err    bool
	}{
		{"10.0.0.1", "10.0.0.1:3260", false},
		{"10.0.0.1:3261", "10.0.0.1:3261", false},
		{"10.0.0.1:3260,1", "10.0.0.1:3260", false},
		{"target.example.com", "target.example.com:3260", false},
		{"[fe80::1]:3260,2", "[fe80::1]:3260", false},
		{"fe80::1", "[fe80::1]:3260", false},
		{"10.0.0.1:port", "", true},
		{"", "", true},
		{",1", "", true},
	}

	for _, tt := range tests {
		out, err := ParseTargetAddress(tt.input)
		if (err != nil) != tt.err {
			t.Errorf("ParseTargetAddress(%v) => err %v, expected error %v", tt.input, err, tt.err)
			continue
		}
		if out != tt.output {
			t.Errorf("ParseTargetAddress(%v) => %v, expected output %v", tt.input, out, tt.output)
		}
	}
}

func TestValidSessionName(t *testing.T) {
	var tests = []struct {
		input  string
		output bool
	}{
		{"vol1", true},
		{"iqn.2020-01.io.openebs:vol1", true},
		{"a", false},
		{"-vol", false},
		{"vol 1", false},
	}

	for _, tt := range tests {
		if out := ValidSessionName(tt.input); out != tt.output {
			t.Errorf("ValidSessionName(%v) => %v, expected output %v", tt.input, out, tt.output)
		}
	}
}

func TestNewISIDBase(t *testing.T) {
	a, b := NewISIDBase(), NewISIDBase()
	if a>>24 != isidTypeRandom || b>>24 != isidTypeRandom {
		t.Errorf("ISID bases %x %x do not carry the random type", a, b)
	}
}

func TestEnvGetters(t *testing.T) {
	os.Setenv("ISCSID_RETRY_DELAY", "3")
	defer os.Unsetenv("ISCSID_RETRY_DELAY")
	if d := GetRetryDelay(); d.Seconds() != 3 {
		t.Errorf("GetRetryDelay() => %v", d)
	}
	os.Unsetenv("ISCSID_DIAL_TIMEOUT")
	if d := GetDialTimeout(); d != DefaultDialTimeout {
		t.Errorf("GetDialTimeout() => %v", d)
	}
	os.Unsetenv("ISCSID_RETRY_MAX")
	if n := GetRetryMax(); n != 0 {
		t.Errorf("GetRetryMax() => %v", n)
	}
}

func TestFileLoggingSettings(t *testing.T) {
	dir, err := ioutil.TempDir("", "iscsid")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	if err := RestoreLogging(dir); err != nil {
		t.Errorf("RestoreLogging() without settings => %v", err)
	}

	lf := FileLogging{Enable: true, MaxLogFileSize: 10, RetentionPeriod: 1, MaxBackups: 2}
	if err := saveFileLogging(dir, lf); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFileLogging(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != lf {
		t.Errorf("LoadFileLogging() => %+v, expected %+v", got, lf)
	}

	if lf := (FileLogging{Enable: true}).withDefaults(); lf.MaxBackups != DefaultMaxBackups {
		t.Errorf("withDefaults() => %+v", lf)
	}
}

func TestSetLogging(t *testing.T) {
	dir, err := ioutil.TempDir("", "iscsid")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	defer SetLogging(dir, FileLogging{})

	if err := SetLogging(dir, FileLogging{Enable: true}); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFileLogging(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxLogFileSize != DefaultLogFileSize || !got.Enable {
		t.Errorf("LoadFileLogging() => %+v, expected defaults", got)
	}
	if _, err := os.Stat(filepath.Join(dir, LogFile)); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	if err := SetLogging(dir, FileLogging{}); err != nil {
		t.Fatal(err)
	}
	if got, _ := LoadFileLogging(dir); got.Enable {
		t.Errorf("LoadFileLogging() => %+v, expected disabled", got)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := AccessLog(&buf, []string{"/metrics"}, ok)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))
	if buf.Len() != 0 {
		t.Errorf("quiet path logged: %q", buf.String())
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/metrics", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/sessions", nil))
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Errorf("logged %d requests, expected 2: %q", n, buf.String())
	}
}
