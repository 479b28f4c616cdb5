package fsys

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/colinmarc/hdfs/v2"
)

// HDFS talks to a namenode through the native RPC protocol. Relative names
// resolve against the home directory given to DialHDFS.
type HDFS struct {
	client *hdfs.Client
	home   string
}

// DialHDFS connects to namenode ("host:port"). An empty namenode lets the
// client fall back to HADOOP_CONF_DIR.
func DialHDFS(namenode, home string) (*HDFS, error) {
	client, err := hdfs.New(namenode)
	if err != nil {
		return nil, fmt.Errorf("connect hdfs %q: %w", namenode, err)
	}
	if home == "" {
		home = "/"
	}
	return &HDFS{client: client, home: home}, nil
}

func (h *HDFS) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(h.home, name)
}

func (h *HDFS) Open(name string) (io.ReadCloser, error) {
	f, err := h.client.Open(h.abs(name))
	if err != nil {
		return nil, fmt.Errorf("hdfs open %s: %w", name, err)
	}
	return f, nil
}

func (h *HDFS) Create(name string) (io.WriteCloser, error) {
	f, err := h.client.Create(h.abs(name))
	if err != nil {
		return nil, fmt.Errorf("hdfs create %s: %w", name, err)
	}
	return f, nil
}

func (h *HDFS) MkdirAll(dir string) error {
	if err := h.client.MkdirAll(h.abs(dir), 0o755|os.ModeDir); err != nil {
		return fmt.Errorf("hdfs mkdir %s: %w", dir, err)
	}
	return nil
}

func (h *HDFS) ReadDir(dir string) ([]string, error) {
	infos, err := h.client.ReadDir(h.abs(dir))
	if err != nil {
		return nil, fmt.Errorf("hdfs read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Mode().IsRegular() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (h *HDFS) Join(elem ...string) string { return path.Join(elem...) }
func (h *HDFS) Base(name string) string    { return path.Base(name) }
func (h *HDFS) Dir(name string) string     { return path.Dir(name) }
func (h *HDFS) IsAbs(name string) bool     { return path.IsAbs(name) }

func (h *HDFS) Close() error {
	return h.client.Close()
}
