package app

import (
	"testing"
)

func TestIsDecimal(t *testing.T) {
	var validSizeTests = []struct {
		input  string
		output bool
	}{
		{"1G", true},
		{"1g", true},
		{"1K", true},
		{"1k", true},
		{"64k", true},
		{"1Gb", true},
		{"1GB", true},
		{"1.2g", true},
		{"0.2gb", true},
		{"8192", true},
		{"1Gbb", false},
		{"1gi", false},
		{"1Ki", false},
		{"1Gib", false},
		{".2gb", false},
	}

	for _, tt := range validSizeTests {
		out := IsDecimal(tt.input)
		if out != tt.output {
			t.Errorf("IsDecimal(%v) => %v, expected output %v", tt.input, out, tt.output)
		}
	}
}

func TestIsBinary(t *testing.T) {
	var validSizeTests = []struct {
		input  string
		output bool
	}{
		{"1Gi", true},
		{"1gi", true},
		{"64Ki", true},
		{"1mi", true},
		{"0.2gi", true},
		{"1Gb", false},
		{"1kb", false},
		{"1Gib", false},
		{".2gi", false},
	}

	for _, tt := range validSizeTests {
		out := IsBinary(tt.input)
		if out != tt.output {
			t.Errorf("IsBinary(%v) => %v, expected output %v", tt.input, out, tt.output)
		}
	}
}

func TestParseSize(t *testing.T) {
	var sizeTests = []struct {
		input  string
		output int64
		err    bool
	}{
		{"", 0, false},
		{"8192", 8192, false},
		{"64k", 64000, false},
		{"64Ki", 65536, false},
		{"1mi", 1 << 20, false},
		{"1MB", 1000000, false},
		{"lots", 0, true},
		{"1Gib", 0, true},
	}

	for _, tt := range sizeTests {
		out, err := ParseSize(tt.input)
		if (err != nil) != tt.err {
			t.Errorf("ParseSize(%v) error %v, expected error %v", tt.input, err, tt.err)
			continue
		}
		if out != tt.output {
			t.Errorf("ParseSize(%v) => %v, expected output %v", tt.input, out, tt.output)
		}
	}
}

func TestParseYesNo(t *testing.T) {
	b, err := parseYesNo("")
	if err != nil || b != nil {
		t.Errorf("empty value should keep the default, got %v %v", b, err)
	}
	b, err = parseYesNo("Yes")
	if err != nil || b == nil || !*b {
		t.Errorf("Yes should parse as true, got %v %v", b, err)
	}
	if _, err = parseYesNo("maybe"); err == nil {
		t.Errorf("maybe should not parse")
	}
}
