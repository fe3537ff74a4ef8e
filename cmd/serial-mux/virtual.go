package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kstaniek/go-serial-mux/internal/serial"
)

// Test hook.
var newPair = serial.OpenPair

// virtualPort is one channel exposed as a pty. The slave stays open for the
// life of the process so the master never reads EIO while no client is
// attached; users open the symlink.
type virtualPort struct {
	spec channelSpec
	pair *serial.Pair
	link string
}

// openVirtualPorts creates a pty pair and a symlink dir/<name> per channel.
// On failure everything created so far is removed again.
func openVirtualPorts(dir string, specs []channelSpec, readTimeout time.Duration, l *slog.Logger) ([]virtualPort, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	var out []virtualPort
	for _, s := range specs {
		pair, err := newPair(readTimeout)
		if err != nil {
			closeVirtualPorts(out, l)
			return nil, fmt.Errorf("channel %q: open pty: %w", s.name, err)
		}
		link, err := linkSlave(dir, s.name, pair.SlaveName())
		if err != nil {
			_ = pair.Close()
			closeVirtualPorts(out, l)
			return nil, fmt.Errorf("channel %q: %w", s.name, err)
		}
		l.Info("virtual_port", "name", s.name, "channel", s.ID, "link", link, "pty", pair.SlaveName())
		out = append(out, virtualPort{spec: s, pair: pair, link: link})
	}
	return out, nil
}

// linkSlave points dir/name at target, replacing a stale entry.
func linkSlave(dir, name, target string) (string, error) {
	link := filepath.Join(dir, name)
	if fi, err := os.Lstat(link); err == nil {
		if fi.IsDir() {
			return "", fmt.Errorf("%s exists and is a directory", link)
		}
		if err := os.Remove(link); err != nil {
			return "", fmt.Errorf("remove stale %s: %w", link, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.Symlink(target, link); err != nil {
		return "", fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	return link, nil
}

// closeVirtualPorts removes the symlinks we created and closes the pairs.
func closeVirtualPorts(vps []virtualPort, l *slog.Logger) {
	for _, vp := range vps {
		if dst, err := os.Readlink(vp.link); err == nil && dst == vp.pair.SlaveName() {
			if err := os.Remove(vp.link); err != nil {
				l.Warn("virtual_link_remove_error", "link", vp.link, "error", err)
			}
		}
		_ = vp.pair.Close()
	}
}
