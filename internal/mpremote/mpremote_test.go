package mpremote

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseDeviceList(t *testing.T) {
	for _, tc := range []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "single linux port",
			output: "/dev/ttyACM0 303a:4001 Espressif ESP32-S3\n",
			want:   []string{"/dev/ttyACM0"},
		},
		{
			name:   "windows port",
			output: "COM3 10c4:ea60 Silicon Labs CP210x",
			want:   []string{"COM3"},
		},
		{
			name: "multiple devices",
			output: "/dev/ttyACM0 303a:4001 Espressif ESP32-S3\n" +
				"/dev/ttyUSB0 10c4:ea60 Silicon Labs CP210x\n",
			want: []string{"/dev/ttyACM0", "/dev/ttyUSB0"},
		},
		{
			name:   "irrelevant lines skipped",
			output: "no devices found\n",
			want:   nil,
		},
		{
			name:   "empty output",
			output: "",
			want:   nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := parseDeviceList(tc.output)
			if len(got) != len(tc.want) {
				t.Fatalf("parseDeviceList() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("device[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParseFileList(t *testing.T) {
	output := "ls :\n" +
		"         139 boot.py\n" +
		"        4821 main.py\n" +
		"           0 lib/\n" +
		"         512 webrepl_cfg.py\n"

	got := parseFileList(output)
	want := []string{"boot.py", "main.py", "webrepl_cfg.py"}

	if len(got) != len(want) {
		t.Fatalf("parseFileList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseHashOutput(t *testing.T) {
	for _, tc := range []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "hash with filename",
			output: "a3f5c1d2e4b6a7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2  main.py",
			want:   "a3f5c1d2e4b6a7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2",
		},
		{
			name:   "bare hash",
			output: "deadbeef",
			want:   "deadbeef",
		},
		{
			name:   "echoed command skipped",
			output: "sha256sum :main.py\nfeedface  main.py\n",
			want:   "feedface",
		},
		{
			name:   "empty output means unknown",
			output: "",
			want:   "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseHashOutput(tc.output); got != tc.want {
				t.Errorf("parseHashOutput(%q) = %q, want %q", tc.output, got, tc.want)
			}
		})
	}
}

func TestIsExistsError(t *testing.T) {
	if !isExistsError(errors.New("mpremote fs mkdir failed: exit status 1: OSError: [Errno 17] EEXIST")) {
		t.Error("EEXIST must be recognized")
	}
	if !isExistsError(fmt.Errorf("mkdir: File exists")) {
		t.Error("File exists must be recognized")
	}
	if isExistsError(errors.New("mpremote fs mkdir failed: no device connected")) {
		t.Error("unrelated errors must not be swallowed")
	}
}
