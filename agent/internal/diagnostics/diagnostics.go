// Package diagnostics builds the support bundle: a tar.gz with a
// manifest, the effective configuration, the host inventory and the tail
// of the agent log.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetguard/agent/internal/collectors"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/ipc"
	"fleetguard/network"
)

// logTailBytes caps how much of the agent log lands in the bundle.
const logTailBytes = 256 * 1024

type manifest struct {
	AgentVersion string            `yaml:"agentVersion"`
	GeneratedAt  string            `yaml:"generatedAt"`
	Status       *ipc.StatusReport `yaml:"status,omitempty"`
	StatusError  string            `yaml:"statusError,omitempty"`
	Files        []string          `yaml:"files"`
}

// WriteBundle assembles the bundle. status may be nil when the agent is
// not running; the manifest records why.
func WriteBundle(w io.Writer, snap *config.Snapshot, status *ipc.StatusReport, statusErr string) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	files := []string{"manifest.yaml", "config.yaml", "inventory.yaml"}
	if snap.LogFile != "" {
		files = append(files, "agent.log")
	}

	m := manifest{
		AgentVersion: network.AgentVersion,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Status:       status,
		StatusError:  statusErr,
		Files:        files,
	}
	if err := addYAML(tw, "manifest.yaml", m); err != nil {
		return err
	}

	if err := addYAML(tw, "config.yaml", Redact(snap)); err != nil {
		return err
	}

	if err := addYAML(tw, "inventory.yaml", collectors.Collect()); err != nil {
		return err
	}

	if snap.LogFile != "" {
		if err := addLogTail(tw, snap.LogFile); err != nil {
			return err
		}
	}
	return nil
}

// Redact returns a copy of the configuration safe to leave a machine:
// TURN credentials embedded in ICE server URLs are stripped.
func Redact(snap *config.Snapshot) *config.Snapshot {
	out := snap.Clone()
	for i, server := range out.ICEServers {
		out.ICEServers[i] = redactICEServer(server)
	}
	return out
}

// redactICEServer strips userinfo from turn/stun URLs. Unparseable
// values are replaced entirely rather than leaked.
func redactICEServer(server string) string {
	if !strings.Contains(server, "@") {
		return server
	}
	u, err := url.Parse(server)
	if err != nil || u.User == nil {
		return "[redacted]"
	}
	u.User = url.User("[redacted]")
	return u.String()
}

func addYAML(tw *tar.Writer, name string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return addFile(tw, name, raw)
}

func addLogTail(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return addFile(tw, "agent.log", []byte("log unavailable: "+err.Error()+"\n"))
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return addFile(tw, "agent.log", []byte("log unavailable: "+err.Error()+"\n"))
	}
	if stat.Size() > logTailBytes {
		if _, err := f.Seek(-logTailBytes, io.SeekEnd); err != nil {
			return err
		}
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return addFile(tw, "agent.log", raw)
}

func addFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
