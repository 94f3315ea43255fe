package kernel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jlaneve/jute/session"
	"github.com/jlaneve/jute/wire"
)

// ConnectionInfo is everything a kernel and its client need to find and
// trust each other. It is written to the connection file the kernel reads
// at startup.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// keyBytes is the size of generated signing keys.
const keyBytes = 32

// NewConnectionInfo allocates five free ports on ip and a random key.
func NewConnectionInfo(ip, kernelName, scheme string) (ConnectionInfo, error) {
	ports, err := freePorts(ip, 5)
	if err != nil {
		return ConnectionInfo{}, err
	}
	key, err := newKey()
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		Transport:       "tcp",
		IP:              ip,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		Key:             key,
		SignatureScheme: scheme,
		KernelName:      kernelName,
		ProtocolVersion: wire.ProtocolVersion,
	}, nil
}

func newKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// freePorts finds n distinct free TCP ports. All listeners stay open until
// every port is chosen, so the kernel gets n different ports.
func freePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("allocate port on %s: %w", ip, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// Endpoint returns the ZeroMQ address for ch.
func (c ConnectionInfo) Endpoint(ch wire.Channel) string {
	var port int
	switch ch {
	case wire.Shell:
		port = c.ShellPort
	case wire.IOPub:
		port = c.IOPubPort
	case wire.Stdin:
		port = c.StdinPort
	case wire.Control:
		port = c.ControlPort
	case wire.Heartbeat:
		port = c.HBPort
	}
	return fmt.Sprintf("%s://%s", c.Transport, net.JoinHostPort(c.IP, strconv.Itoa(port)))
}

// Endpoints returns the addresses of all five sockets.
func (c ConnectionInfo) Endpoints() session.Endpoints {
	return session.Endpoints{
		Shell:     c.Endpoint(wire.Shell),
		Control:   c.Endpoint(wire.Control),
		IOPub:     c.Endpoint(wire.IOPub),
		Stdin:     c.Endpoint(wire.Stdin),
		Heartbeat: c.Endpoint(wire.Heartbeat),
	}
}

// Codec returns a codec for the connection's key and scheme.
func (c ConnectionInfo) Codec() (*wire.Codec, error) {
	return wire.NewCodec(c.SignatureScheme, []byte(c.Key))
}

// WriteFile writes c as JSON to path with mode 0600. The file is written
// to a temporary name in the same directory and renamed into place, so a
// kernel never reads a partial file.
func (c ConnectionInfo) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".kernel-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create connection file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod connection file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write connection file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close connection file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename connection file: %w", err)
	}
	return nil
}

// ReadConnectionFile reads a connection file.
func ReadConnectionFile(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("read connection file: %w", err)
	}
	var c ConnectionInfo
	if err := json.Unmarshal(data, &c); err != nil {
		return ConnectionInfo{}, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	if c.SignatureScheme == "" {
		c.SignatureScheme = wire.DefaultScheme
	}
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	return c, nil
}

// RuntimeDir returns the directory for connection files: $JUPYTER_RUNTIME_DIR,
// else a "runtime" directory under the user's Jupyter data directory.
func RuntimeDir(dataDir string) string {
	if dir := os.Getenv("JUPYTER_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if dataDir == "" {
		return filepath.Join(os.TempDir(), "jute-runtime")
	}
	return filepath.Join(dataDir, "runtime")
}
