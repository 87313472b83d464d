// Package service renders OS service-manager descriptors for running
// coworker-runtime as a background daemon. Only the narrow interface
// named by the coworker-runtime print-plist subcommand is implemented
// here; the macOS-specific launch-agent install/uninstall dialog the
// original entangles with plist rendering is out of scope.
package service

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// ProcessSpec describes how to invoke the daemon as a long-running
// service: the binary to run and the flags that configure it.
type ProcessSpec struct {
	Program     string
	Label       string
	StateDir    string
	Workers     int
	PollSeconds float64
	WorkerID    string
	StdoutPath  string
	StderrPath  string
	RunAtLoad   bool
	KeepAlive   bool
}

// ServiceDescriptor renders a ProcessSpec into a service-manager unit
// description.
type ServiceDescriptor interface {
	Render(spec ProcessSpec) (string, error)
}

// LaunchdDescriptor renders a macOS launchd plist, grounded on the
// original's render_launchd_plist.
type LaunchdDescriptor struct{}

const launchdDefaultLabel = "com.antigravity-dev.coworker-runtime"

// Render produces the XML plist text launchd expects at
// ~/Library/LaunchAgents/<label>.plist.
func (LaunchdDescriptor) Render(spec ProcessSpec) (string, error) {
	if spec.Program == "" {
		return "", fmt.Errorf("service: program is required")
	}
	label := spec.Label
	if label == "" {
		label = launchdDefaultLabel
	}

	args := []string{spec.Program, "daemon"}
	if spec.WorkerID != "" {
		args = append(args, "--worker-id", spec.WorkerID)
	}
	if spec.Workers > 0 {
		args = append(args, "--workers", fmt.Sprintf("%d", spec.Workers))
	}
	if spec.PollSeconds > 0 {
		args = append(args, "--poll-seconds", fmt.Sprintf("%g", spec.PollSeconds))
	}
	if spec.StateDir != "" {
		args = append(args, "--state-dir", spec.StateDir)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<!DOCTYPE plist PUBLIC \"-//Apple//DTD PLIST 1.0//EN\" \"http://www.apple.com/DTDs/PropertyList-1.0.dtd\">\n")
	buf.WriteString("<plist version=\"1.0\">\n<dict>\n")

	writeKey(&buf, "Label")
	writeString(&buf, label)

	writeKey(&buf, "ProgramArguments")
	buf.WriteString("\t<array>\n")
	for _, a := range args {
		buf.WriteString("\t\t")
		writeString(&buf, a)
		buf.WriteString("\n")
	}
	buf.WriteString("\t</array>\n")

	writeKey(&buf, "RunAtLoad")
	writeBool(&buf, spec.RunAtLoad)

	writeKey(&buf, "KeepAlive")
	writeBool(&buf, spec.KeepAlive)

	if spec.StdoutPath != "" {
		writeKey(&buf, "StandardOutPath")
		writeString(&buf, spec.StdoutPath)
	}
	if spec.StderrPath != "" {
		writeKey(&buf, "StandardErrorPath")
		writeString(&buf, spec.StderrPath)
	}

	buf.WriteString("</dict>\n</plist>\n")
	return buf.String(), nil
}

func writeKey(buf *bytes.Buffer, key string) {
	fmt.Fprintf(buf, "\t<key>%s</key>\n", xmlEscape(key))
}

func writeString(buf *bytes.Buffer, value string) {
	fmt.Fprintf(buf, "<string>%s</string>", xmlEscape(value))
}

func writeBool(buf *bytes.Buffer, value bool) {
	if value {
		buf.WriteString("\t<true/>\n")
		return
	}
	buf.WriteString("\t<false/>\n")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

var _ ServiceDescriptor = LaunchdDescriptor{}
