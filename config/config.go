// Package config loads the daemon's YAML configuration from a file or a
// directory of files and lets components react to reloads.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load finds all yaml files within path and merges them in lexical order.
// Later files override scalar values of earlier ones.
func (c *C) Load(path string) error {
	files, err := findFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	var m map[string]any
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		m = nm
	}

	c.path = path
	c.files = files
	c.Settings = m
	if c.Settings == nil {
		c.Settings = make(map[string]any)
	}
	return nil
}

// LoadString loads the config from a raw yaml document.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}

// Files returns the files the config was loaded from, in load order.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback stores a function to be called after a successful
// reload. Callbacks should use HasChanged to decide whether there is anything
// to do, and return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// HasChanged reports whether the value at k differs between the current and
// the previous settings, comparing their yaml encodings. An empty k compares
// everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load every time the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the config again from the path given to Load and runs
// the reload callbacks. A config that fails to load is logged and the
// current settings stay in effect.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	current := c.Settings
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = current
	for _, v := range c.callbacks {
		v(c)
	}
}

// ReloadConfigString is ReloadConfig for a raw yaml document.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	current := c.Settings
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.oldSettings = current
	for _, v := range c.callbacks {
		v(c)
	}
	return nil
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or invalid
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// GetHardwareAddr returns the 48 bit MAC address at k, or d when k is not
// set. A value that is set but does not parse is an error.
func (c *C) GetHardwareAddr(k string, d net.HardwareAddr) (net.HardwareAddr, error) {
	r := c.GetString(k, "")
	if r == "" {
		return d, nil
	}

	mac, err := net.ParseMAC(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%s: %s is not a 48 bit MAC address", k, r)
	}
	return mac, nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
