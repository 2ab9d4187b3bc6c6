// Package config loads the JSON configuration for a node: its identities,
// application tag, endpoint specs, custom broadcast targets, liveness
// timer overrides, and the optional admin bind address.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Environ is a map of substitution variables applied to every string
// field in the parsed configuration, in the style "${VAR}" -> value.
type Environ map[string]string

// BroadcastTarget is a custom broadcast destination, given either as a
// literal dotted-quad or a hostname to be resolved by the resolve package.
type BroadcastTarget struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// TimerOverrides holds liveness timer values in milliseconds (0 means
// "use the default"). They are parsed but not applied: no component reads
// them, and the timers stay at the conntable package's constants.
type TimerOverrides struct {
	BroadcastIntervalMS int `json:"broadcastIntervalMs"`
	HeartbeatTimeoutMS  int `json:"heartbeatTimeoutMs"`
	UserTimeoutMS       int `json:"userTimeoutMs"`
}

// Config is the aggregated node configuration.
type Config struct {
	Env Environ `json:"environ"`

	Identities []uint64 `json:"identities"` // first entry is canonical
	AppTag     uint32   `json:"appTag"`

	UDPPort uint16 `json:"udpPort"`
	TCPPort uint16 `json:"tcpPort"`

	CustomBroadcasts          []BroadcastTarget `json:"customBroadcasts"`
	RestrictGossipToWhitelist bool              `json:"restrictGossipToWhitelist"`

	Timers TimerOverrides `json:"timers"`

	// AdminBind, if non-empty, enables the read-only admin interface on
	// this address (e.g. "127.0.0.1:8787"). Empty disables it.
	AdminBind string `json:"adminBind"`

	// ResolverAddr, if non-empty, overrides the system resolver used by
	// the resolve package for custom broadcast target hostnames.
	ResolverAddr string `json:"resolverAddr"`
}

// Parse reads and unmarshals a JSON configuration file from fileName,
// applying "${VAR}" environment substitutions from its own Env map.
func Parse(fileName string) (*Config, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applySubstitutions(cfg, cfg.Env)
	return cfg, nil
}

var substPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

func substString(s string, env map[string]string) string {
	matches := substPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		if v, ok := env[m[1]]; ok {
			s = strings.ReplaceAll(s, "${"+m[1]+"}", v)
		}
	}
	return s
}

// applySubstitutions walks cfg's string fields (recursing into nested
// structs and pointers) and repeatedly applies substString until it
// reaches a fixed point, mirroring the substitution pass this codebase
// runs over its own JSON configuration.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				continue
			}
			switch f.Kind() {
			case reflect.String:
				s := f.String()
				for {
					next := substString(s, env)
					if next == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s\n", s, next)
					s = next
				}
				f.SetString(s)
			case reflect.Struct:
				process(f)
			case reflect.Ptr:
				if e := f.Elem(); e.IsValid() {
					process(e)
				}
			case reflect.Slice:
				for j := 0; j < f.Len(); j++ {
					e := f.Index(j)
					if e.Kind() == reflect.Struct {
						process(e)
					}
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		process(v)
	}
}
