package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	errConfigMissing = errors.New("config file does not exist")
	errConfigInvalid = errors.New("invalid config file")
)

// channelEntry is one table of the channel file:
//
//	[gps]
//	id = 1
//	device_path = "/dev/ttyUSB1"
//	baud_rate = 9600
type channelEntry struct {
	ID         int    `toml:"id"`
	DevicePath string `toml:"device_path"`
	BaudRate   int    `toml:"baud_rate"`
}

type channelSpec struct {
	name string
	channelEntry
}

// loadChannels reads the channel file at path. Entries are returned sorted by
// name. Virtual mode only needs ids; real mode also needs a device and baud.
// Keys the decoder did not recognise are returned for logging.
func loadChannels(path string, needDevice bool) ([]channelSpec, []string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", errConfigMissing, path)
		}
		return nil, nil, fmt.Errorf("%w: %v", errConfigInvalid, err)
	}
	raw := map[string]channelEntry{}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errConfigInvalid, err)
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: no channels in %s", errConfigInvalid, path)
	}
	var unknown []string
	for _, k := range md.Undecoded() {
		unknown = append(unknown, k.String())
	}

	specs := make([]channelSpec, 0, len(raw))
	for name, e := range raw {
		specs = append(specs, channelSpec{name: name, channelEntry: e})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].name < specs[j].name })

	byID := map[int]string{}
	for _, s := range specs {
		if strings.ContainsAny(s.name, `/\`) || s.name == "." || s.name == ".." {
			return nil, nil, fmt.Errorf("%w: channel name %q is not a valid file name", errConfigInvalid, s.name)
		}
		if !md.IsDefined(s.name, "id") {
			return nil, nil, fmt.Errorf("%w: channel %q has no id", errConfigInvalid, s.name)
		}
		if s.ID < 0 || s.ID > 255 {
			return nil, nil, fmt.Errorf("%w: channel %q id %d out of range 0..255", errConfigInvalid, s.name, s.ID)
		}
		if prev, dup := byID[s.ID]; dup {
			return nil, nil, fmt.Errorf("%w: channels %q and %q share id %d", errConfigInvalid, prev, s.name, s.ID)
		}
		byID[s.ID] = s.name
		if needDevice {
			if s.DevicePath == "" {
				return nil, nil, fmt.Errorf("%w: channel %q has no device_path", errConfigInvalid, s.name)
			}
			if s.BaudRate <= 0 {
				return nil, nil, fmt.Errorf("%w: channel %q needs baud_rate > 0", errConfigInvalid, s.name)
			}
		}
	}
	return specs, unknown, nil
}
