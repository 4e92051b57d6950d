package env

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/luma/routeros/storage"
)

// DeviceSeed is the initial state of an emulated device.
type DeviceSeed struct {
	Identity    string
	LegacyLogin bool
	Users       map[string]string

	// Menus maps a menu path such as "/ip/arp" to its initial rows.
	Menus map[string][]storage.Row
}

type seedFile struct {
	Identity    string            `toml:"identity"`
	LegacyLogin bool              `toml:"legacy_login"`
	Users       map[string]string `toml:"users"`
	Menus       []seedMenu        `toml:"menu"`
}

type seedMenu struct {
	Path string              `toml:"path"`
	Rows []map[string]string `toml:"rows"`
}

// DefaultDeviceSeed is a device with a single admin user with an empty
// password.
func DefaultDeviceSeed() DeviceSeed {
	return DeviceSeed{
		Identity: "MikroTik",
		Users:    map[string]string{"admin": ""},
		Menus:    map[string][]storage.Row{},
	}
}

// LoadDeviceSeed reads a seed file such as:
//
//	identity = "lab"
//	legacy_login = true
//
//	[users]
//	admin = "secret"
//
//	[[menu]]
//	path = "/ip/arp"
//	rows = [{ address = "192.168.88.1", interface = "ether1" }]
//
// Keys missing from the file keep their DefaultDeviceSeed value.
func LoadDeviceSeed(path string) (DeviceSeed, error) {
	seed := DefaultDeviceSeed()

	var raw seedFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DeviceSeed{}, fmt.Errorf("load device seed: %w", err)
	}

	if meta.IsDefined("identity") {
		if identity := strings.TrimSpace(raw.Identity); identity != "" {
			seed.Identity = identity
		}
	}

	if meta.IsDefined("legacy_login") {
		seed.LegacyLogin = raw.LegacyLogin
	}

	if meta.IsDefined("users") {
		seed.Users = raw.Users
	}

	for _, menu := range raw.Menus {
		path := strings.TrimSpace(menu.Path)
		if !strings.HasPrefix(path, "/") {
			return DeviceSeed{}, fmt.Errorf("menu path %q must start with /", menu.Path)
		}

		for _, values := range menu.Rows {
			seed.Menus[path] = append(seed.Menus[path], seedRow(values))
		}
	}

	return seed, nil
}

// seedRow orders attributes by name since TOML tables are unordered.
func seedRow(values map[string]string) storage.Row {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	row := make(storage.Row, 0, len(names))
	for _, name := range names {
		row = append(row, storage.Attr{Name: name, Value: values[name]})
	}

	return row
}
